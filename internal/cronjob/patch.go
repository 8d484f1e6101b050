package cronjob

import (
	"fmt"
	"strings"

	"github.com/bytedance/gg/gslice"
	"github.com/bytedance/sonic"
)

type fieldOp uint8

const (
	opUnchanged fieldOp = iota
	opClear
	opSet
)

// Field is one patchable field: unchanged (zero value), cleared, or set.
type Field[T any] struct {
	op  fieldOp
	val T
}

func Unchanged[T any]() Field[T] { return Field[T]{} }

func Clear[T any]() Field[T] { return Field[T]{op: opClear} }

func Set[T any](v T) Field[T] { return Field[T]{op: opSet, val: v} }

func (f Field[T]) IsUnchanged() bool { return f.op == opUnchanged }

func (f Field[T]) IsClear() bool { return f.op == opClear }

func (f Field[T]) IsSet() bool { return f.op == opSet }

// Value returns the set value and true, or the zero value and false.
func (f Field[T]) Value() (T, bool) {
	return f.val, f.op == opSet
}

// JobPatch is the input of Service.Update. Required fields reject Clear.
type JobPatch struct {
	Name           Field[string]
	Description    Field[string]
	AgentID        Field[string]
	SessionKey     Field[string]
	Enabled        Field[bool]
	DeleteAfterRun Field[bool]
	Schedule       Field[Schedule]
	SessionTarget  Field[SessionTarget]
	WakeMode       Field[WakeMode]
	Payload        Field[Payload]
	Delivery       Field[Delivery]
}

// applyTo merges p into job. It reports whether the schedule or the enabled
// flag changed, which requires recomputing the next run.
func (p JobPatch) applyTo(job *Job) (reschedule bool, err error) {
	applyOptional(p.Name, &job.Name)
	applyOptional(p.Description, &job.Description)
	applyOptional(p.AgentID, &job.AgentID)
	applyOptional(p.SessionKey, &job.SessionKey)
	job.SessionKey = opaqueKey(job.SessionKey)
	applyOptional(p.DeleteAfterRun, &job.DeleteAfterRun)

	if p.Enabled.IsClear() {
		return false, invalid("enabled", "cannot be cleared")
	}
	if v, ok := p.Enabled.Value(); ok && v != job.Enabled {
		job.Enabled = v
		reschedule = true
	}

	if p.Schedule.IsClear() {
		return false, invalid("schedule", "cannot be cleared")
	}
	if v, ok := p.Schedule.Value(); ok {
		job.Schedule = v
		reschedule = true
	}

	if p.SessionTarget.IsClear() {
		return false, invalid("sessionTarget", "cannot be cleared")
	}
	if v, ok := p.SessionTarget.Value(); ok {
		job.SessionTarget = v
	}

	if p.Payload.IsClear() {
		return false, invalid("payload", "cannot be cleared")
	}
	if v, ok := p.Payload.Value(); ok {
		job.Payload = v
	}

	switch {
	case p.WakeMode.IsClear():
		job.WakeMode = WakeNextHeartbeat
	case p.WakeMode.IsSet():
		job.WakeMode, _ = p.WakeMode.Value()
	}

	switch {
	case p.Delivery.IsClear():
		job.Delivery = nil
	case p.Delivery.IsSet():
		d, _ := p.Delivery.Value()
		job.Delivery = &d
	}
	return reschedule, nil
}

func applyOptional[T any](f Field[T], dst *T) {
	switch f.op {
	case opClear:
		var zero T
		*dst = zero
	case opSet:
		*dst = f.val
	}
}

var patchKeys = map[string]struct{}{
	"name": {}, "description": {}, "agentId": {}, "sessionKey": {}, "enabled": {},
	"deleteAfterRun": {}, "schedule": {}, "sessionTarget": {}, "wakeMode": {},
	"payload": {}, "delivery": {},
}

// PatchFromMap builds a JobPatch from decoded JSON. A missing key leaves the
// field unchanged and an explicit null clears it.
func PatchFromMap(m map[string]interface{}) (JobPatch, error) {
	var unknown []string
	for k := range m {
		if _, ok := patchKeys[k]; !ok {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		gslice.Sort(unknown)
		return JobPatch{}, invalid("patch", "unknown fields: %s", strings.Join(unknown, ", "))
	}

	var (
		p   JobPatch
		err error
	)
	if p.Name, err = decodeField[string](m, "name"); err != nil {
		return p, err
	}
	if p.Description, err = decodeField[string](m, "description"); err != nil {
		return p, err
	}
	if p.AgentID, err = decodeField[string](m, "agentId"); err != nil {
		return p, err
	}
	if p.SessionKey, err = decodeField[string](m, "sessionKey"); err != nil {
		return p, err
	}
	if p.Enabled, err = decodeField[bool](m, "enabled"); err != nil {
		return p, err
	}
	if p.DeleteAfterRun, err = decodeField[bool](m, "deleteAfterRun"); err != nil {
		return p, err
	}
	if p.Schedule, err = decodeField[Schedule](m, "schedule"); err != nil {
		return p, err
	}
	if p.SessionTarget, err = decodeField[SessionTarget](m, "sessionTarget"); err != nil {
		return p, err
	}
	if p.WakeMode, err = decodeField[WakeMode](m, "wakeMode"); err != nil {
		return p, err
	}
	if p.Payload, err = decodeField[Payload](m, "payload"); err != nil {
		return p, err
	}
	if p.Delivery, err = decodeField[Delivery](m, "delivery"); err != nil {
		return p, err
	}
	return p, nil
}

func decodeField[T any](m map[string]interface{}, key string) (Field[T], error) {
	raw, ok := m[key]
	if !ok {
		return Unchanged[T](), nil
	}
	if raw == nil {
		return Clear[T](), nil
	}
	var v T
	if err := decodeValue(raw, &v); err != nil {
		return Field[T]{}, invalid(key, "%v", err)
	}
	return Set(v), nil
}

// CreateFromMap decodes an Add request from loosely typed input.
func CreateFromMap(m map[string]interface{}) (JobCreate, error) {
	var in JobCreate
	if err := decodeValue(m, &in); err != nil {
		return in, invalid("job", "%v", err)
	}
	return in, nil
}

func decodeValue(src interface{}, dst interface{}) error {
	raw, err := sonic.Marshal(src)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	if err := sonic.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}
