package daemon

import (
	"errors"
	"fmt"

	"github.com/msageha/camcore/internal/backend"
	"github.com/msageha/camcore/internal/frame"
	"github.com/msageha/camcore/internal/model"
	"github.com/msageha/camcore/internal/stream"
	"github.com/msageha/camcore/internal/uds"
)

// TriggerParams is the body of a "trigger" request. A nil Tick lets the
// scheduler number the trigger itself.
type TriggerParams struct {
	Source string `json:"source"`
	Tick   *int64 `json:"tick,omitempty"`
}

// CaptureParams is the body of a "capture" request. A nil SettingSequence
// means the next frame the sensor produces.
type CaptureParams struct {
	Port            int    `json:"port"`
	SettingSequence *int64 `json:"setting_sequence,omitempty"`
	Timestamp       int64  `json:"timestamp,omitempty"`
}

type CaptureResult struct {
	Port            string `json:"port"`
	SettingSequence int64  `json:"setting_sequence"`
	Timestamp       int64  `json:"timestamp,omitempty"`
}

// ControlParams is the body of a "control" request.
type ControlParams struct {
	Sequence int64              `json:"sequence"`
	Controls map[string]float64 `json:"controls"`
}

func (d *Daemon) registerHandlers() {
	d.server.Handle("ping", func(*uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]string{"status": "ok"})
	})
	d.server.Handle("status", d.handleStatus)
	d.server.Handle("trigger", d.handleTrigger)
	d.server.Handle("capture", d.handleCapture)
	d.server.Handle("control", d.handleControl)
	d.server.Handle("shutdown", func(*uds.Request) *uds.Response {
		d.log(model.LogLevelInfo, "shutdown requested via UDS")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})
}

func (d *Daemon) handleStatus(*uds.Request) *uds.Response {
	return uds.SuccessResponse(d.snapshot())
}

func (d *Daemon) handleTrigger(req *uds.Request) *uds.Response {
	var p TriggerParams
	if err := req.DecodeParams(&p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	tick := int64(-1)
	if p.Tick != nil {
		if *p.Tick < 0 {
			return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("tick must not be negative, got %d", *p.Tick))
		}
		tick = *p.Tick
	}
	if !d.pipeline.Running() {
		return uds.ErrorResponse(uds.ErrCodeUnavailable, errNotRunning.Error())
	}
	d.pipeline.Trigger(p.Source, tick)
	d.log(model.LogLevelDebug, "external trigger source=%q tick=%d", p.Source, tick)
	return uds.SuccessResponse(map[string]any{"source": p.Source, "tick": tick})
}

func (d *Daemon) handleCapture(req *uds.Request) *uds.Response {
	var p CaptureParams
	if err := req.DecodeParams(&p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	port := frame.Port(p.Port)
	settingSeq := d.pipeline.sensor.Stats().Next
	if p.SettingSequence != nil {
		settingSeq = *p.SettingSequence
	}

	if err := d.pipeline.Capture(port, settingSeq, p.Timestamp); err != nil {
		switch {
		case errors.Is(err, stream.ErrUnknownPort):
			return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
		case errors.Is(err, stream.ErrStreamingPort):
			return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
		case errors.Is(err, errNotRunning):
			return uds.ErrorResponse(uds.ErrCodeUnavailable, err.Error())
		default:
			return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
		}
	}
	d.log(model.LogLevelInfo, "capture requested port=%s setting_seq=%d timestamp=%d", port, settingSeq, p.Timestamp)
	return uds.SuccessResponse(CaptureResult{Port: port.String(), SettingSequence: settingSeq, Timestamp: p.Timestamp})
}

func (d *Daemon) handleControl(req *uds.Request) *uds.Response {
	var p ControlParams
	if err := req.DecodeParams(&p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if len(p.Controls) == 0 {
		return uds.ErrorResponse(uds.ErrCodeValidation, "controls must not be empty")
	}
	d.pipeline.SetControl(p.Sequence, backend.Control(p.Controls))
	return uds.SuccessResponse(map[string]any{"sequence": p.Sequence, "controls": len(p.Controls)})
}
