package playback

// H264Depacketizer extracts NAL units from RTP H264 payloads (RFC 6184).
// Each instance keeps its own FU-A reassembly state.
type H264Depacketizer struct {
	fuaBuf  []byte
	lastSeq uint16
	inFUA   bool
}

// NewH264Depacketizer creates a new depacketizer with its own reassembly buffer.
func NewH264Depacketizer() *H264Depacketizer {
	return &H264Depacketizer{}
}

// Depacketize extracts NAL units from an RTP H264 payload with the given
// sequence number. Handles single NAL, STAP-A, and FU-A packet types.
// A sequence gap inside a FU-A chain drops the partial NAL unit.
func (d *H264Depacketizer) Depacketize(seq uint16, payload []byte) [][]byte {
	if len(payload) < 1 {
		return nil
	}

	naluType := payload[0] & 0x1f
	if naluType != 28 {
		d.reset()
	}

	switch {
	case naluType >= 1 && naluType <= 23:
		return [][]byte{payload}

	case naluType == 24:
		return d.depacketizeSTAPA(payload)

	case naluType == 28:
		return d.depacketizeFUA(seq, payload)

	default:
		return nil
	}
}

func (d *H264Depacketizer) reset() {
	d.fuaBuf = nil
	d.inFUA = false
}

func (d *H264Depacketizer) depacketizeSTAPA(payload []byte) [][]byte {
	var nalus [][]byte
	offset := 1 // skip STAP-A header byte

	for offset+2 <= len(payload) {
		size := int(payload[offset])<<8 | int(payload[offset+1])
		offset += 2
		if size == 0 || offset+size > len(payload) {
			break
		}
		nalus = append(nalus, payload[offset:offset+size])
		offset += size
	}
	return nalus
}

func (d *H264Depacketizer) depacketizeFUA(seq uint16, payload []byte) [][]byte {
	if len(payload) < 2 {
		d.reset()
		return nil
	}

	fnri := payload[0] & 0xe0 // F + NRI bits from FU indicator
	fuHeader := payload[1]
	start := fuHeader&0x80 != 0
	end := fuHeader&0x40 != 0
	naluType := fuHeader & 0x1f

	switch {
	case start:
		d.fuaBuf = append([]byte{fnri | naluType}, payload[2:]...)
		d.inFUA = true
	case !d.inFUA:
		// Continuation without a start: the start was lost.
		return nil
	case seq != d.lastSeq+1:
		d.reset()
		return nil
	default:
		d.fuaBuf = append(d.fuaBuf, payload[2:]...)
	}
	d.lastSeq = seq

	if end {
		nalu := d.fuaBuf
		d.reset()
		return [][]byte{nalu}
	}
	return nil
}
