package lib

const replayWindowWidth = 64

// ReplayWindow remembers which of the peer's sequence numbers have been
// accepted: the highest one plus a bitmap of the 63 below it. Bit i of the
// bitmap stands for highest-i.
type ReplayWindow struct {
	highest uint32
	bitmap  uint64
	started bool
}

// Check reports whether seq may still be accepted. It does not record seq;
// call Accept once the segment has authenticated.
func (w *ReplayWindow) Check(seq uint32) error {
	if !w.started || isGreater(seq, w.highest) {
		return nil
	}
	offset := w.highest - seq
	if offset >= replayWindowWidth {
		return ErrReplayDetected // below the window
	}
	if w.bitmap&(1<<offset) != 0 {
		return ErrReplayDetected
	}
	return nil
}

// Accept records seq. Check must have succeeded for seq.
func (w *ReplayWindow) Accept(seq uint32) {
	if !w.started {
		w.started = true
		w.highest = seq
		w.bitmap = 1
		return
	}
	if isGreater(seq, w.highest) {
		shift := seq - w.highest
		if shift >= replayWindowWidth {
			w.bitmap = 0
		} else {
			w.bitmap <<= shift
		}
		w.bitmap |= 1
		w.highest = seq
		return
	}
	w.bitmap |= 1 << (w.highest - seq)
}

func (w *ReplayWindow) Reset() {
	*w = ReplayWindow{}
}
