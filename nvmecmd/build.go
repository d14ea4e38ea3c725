package nvmecmd

// BuildIdentify builds an Identify Controller (cns=CNSController, nsid=0) or
// Identify Namespace (cns=CNSNamespace, nsid=1) admin command (spec.md §4.5).
func BuildIdentify(commandID uint16, nsid uint32, cns uint32, bufPhys uint64) SQE {
	return SQE{
		Opcode: OpIdentify,
		CID:    commandID,
		NSID:   nsid,
		PRP1:   bufPhys,
		CDW10:  cns,
	}
}

// BuildCreateIOCQ builds Create I/O Completion Queue (spec.md §4.5): size is
// the queue's entry count (encoded 0-based).
func BuildCreateIOCQ(commandID uint16, qid uint16, size int, cqPhys uint64) SQE {
	return SQE{
		Opcode: OpCreateCQ,
		CID:    commandID,
		PRP1:   cqPhys,
		CDW10:  uint32(size-1)<<16 | uint32(qid),
		CDW11:  QueuePhysContig | QueueIRQEnabled, // IV=0
	}
}

// BuildCreateIOSQ builds Create I/O Submission Queue (spec.md §4.5).
func BuildCreateIOSQ(commandID uint16, qid uint16, size int, sqPhys uint64, cqid uint16) SQE {
	return SQE{
		Opcode: OpCreateSQ,
		CID:    commandID,
		PRP1:   sqPhys,
		CDW10:  uint32(size-1)<<16 | uint32(qid),
		CDW11:  QueuePhysContig | uint32(cqid)<<16,
	}
}

// BuildDeleteSQ / BuildDeleteCQ build the shutdown-sequence delete commands
// (spec.md §4.8).
func BuildDeleteSQ(commandID uint16, qid uint16) SQE {
	return SQE{Opcode: OpDeleteSQ, CID: commandID, CDW10: uint32(qid)}
}

func BuildDeleteCQ(commandID uint16, qid uint16) SQE {
	return SQE{Opcode: OpDeleteCQ, CID: commandID, CDW10: uint32(qid)}
}

// GetLogPageNumDL is the NUMDL value fetching 512 bytes (128 dwords, 0-based
// per spec.md §4.5).
const GetLogPageNumDL = 127

// BuildGetLogPage builds Get Log Page (spec.md §4.5), fetching 512 bytes of
// log page lid into the given scratch page.
func BuildGetLogPage(commandID uint16, lid uint8, pagePhys uint64) SQE {
	return SQE{
		Opcode: OpGetLogPage,
		CID:    commandID,
		NSID:   0xFFFFFFFF,
		PRP1:   pagePhys,
		CDW10:  uint32(lid) | uint32(GetLogPageNumDL)<<16,
	}
}

// BuildFlush builds a plain NVMe Flush (spec.md §4.5): used both for
// SYNCHRONIZE CACHE/SRB flush requests (carrying a normal CID) and for the
// ORDERED-tag fence (carrying cid.OrderedFlush(tag), constructed by the
// caller before reaching here — this function does not care which).
func BuildFlush(commandID uint16) SQE {
	return SQE{Opcode: OpFlush, CID: commandID, NSID: 1}
}

// BuildRead / BuildWrite build NVM Read/Write commands. lba is 0-based;
// blocks is the 1-based transfer length (spec.md §4.5: cdw12 = blocks-1,
// never 0 on the wire).
func BuildRead(commandID uint16, lba uint64, blocks uint16, prp1, prp2 uint64) SQE {
	return buildReadWrite(OpRead, commandID, lba, blocks, prp1, prp2)
}

func BuildWrite(commandID uint16, lba uint64, blocks uint16, prp1, prp2 uint64) SQE {
	return buildReadWrite(OpWrite, commandID, lba, blocks, prp1, prp2)
}

func buildReadWrite(opcode uint8, commandID uint16, lba uint64, blocks uint16, prp1, prp2 uint64) SQE {
	return SQE{
		Opcode: opcode,
		Flags:  FlagPRP,
		CID:    commandID,
		NSID:   1,
		PRP1:   prp1,
		PRP2:   prp2,
		CDW10:  uint32(lba),
		CDW11:  uint32(lba >> 32),
		CDW12:  uint32(blocks) - 1,
	}
}
