package hostservices

// BasicRequest is a concrete Request a host (the simulator, the CLI, or a
// test) can construct directly rather than implementing the interface from
// scratch.
type BasicRequest struct {
	PathID, TargetID, LUNID, Func uint8
	Cdb                           []byte
	Data                          []byte
	Sense                         []byte
	Tag                           uint16
	Action                        QueueAction
	FlagBits                      uint32

	status     RequestStatus
	scsiStatus uint8
	ext        Extension
}

func (r *BasicRequest) Path() uint8            { return r.PathID }
func (r *BasicRequest) Target() uint8          { return r.TargetID }
func (r *BasicRequest) LUN() uint8             { return r.LUNID }
func (r *BasicRequest) Function() uint8        { return r.Func }
func (r *BasicRequest) CDB() []byte            { return r.Cdb }
func (r *BasicRequest) DataBuffer() []byte     { return r.Data }
func (r *BasicRequest) DataLen() int           { return len(r.Data) }
func (r *BasicRequest) SenseBuffer() []byte    { return r.Sense }
func (r *BasicRequest) QueueTag() uint16       { return r.Tag }
func (r *BasicRequest) QueueAction() QueueAction { return r.Action }
func (r *BasicRequest) Flags() uint32          { return r.FlagBits }

func (r *BasicRequest) Status() RequestStatus     { return r.status }
func (r *BasicRequest) SetStatus(s RequestStatus) { r.status = s }
func (r *BasicRequest) SCSIStatus() uint8         { return r.scsiStatus }
func (r *BasicRequest) SetSCSIStatus(s uint8)     { r.scsiStatus = s }
func (r *BasicRequest) Extension() *Extension     { return &r.ext }

// NewRequest builds a BasicRequest with PRPPage initialized to "none" (the
// pool package's None sentinel, mirrored here as a literal to avoid an
// import cycle — prp.None is always 0xFF).
func NewRequest() *BasicRequest {
	return &BasicRequest{ext: Extension{PRPPage: 0xFF}}
}
