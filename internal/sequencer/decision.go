package sequencer

import "github.com/msageha/camcore/internal/frame"

// NeedExecutePipe reports whether an output bound to settingSeq may be
// produced from the input captured at inputSeq. An output waiting on
// parameters for a later frame must not be satisfied by an earlier input.
func NeedExecutePipe(settingSeq, inputSeq int64) bool {
	return settingSeq == frame.Unconstrained || inputSeq >= settingSeq
}

// NeedHoldOnInputFrame reports whether the input must be kept rather than
// returned to its producer because the pending output is not ready for it.
func NeedHoldOnInputFrame(settingSeq, inputSeq int64) bool {
	return settingSeq != frame.Unconstrained && inputSeq < settingSeq
}
