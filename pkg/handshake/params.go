package handshake

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/backkem/mattersession/pkg/session"
	"github.com/backkem/mattersession/pkg/tlv"
)

// Context tags inside the reliability parameter structure.
const (
	tagIdleInterval    = 1
	tagActiveInterval  = 2
	tagActiveThreshold = 3
)

// EncodeReliabilityParameters writes p as a structure under tag, in
// milliseconds.
func EncodeReliabilityParameters(w *tlv.Writer, tag tlv.Tag, p session.Params) error {
	p = p.WithDefaults()
	if err := w.StartStructure(tag); err != nil {
		return err
	}
	if err := w.PutUint(tlv.ContextTag(tagIdleInterval), uint64(p.IdleInterval.Milliseconds())); err != nil {
		return err
	}
	if err := w.PutUint(tlv.ContextTag(tagActiveInterval), uint64(p.ActiveInterval.Milliseconds())); err != nil {
		return err
	}
	if err := w.PutUint(tlv.ContextTag(tagActiveThreshold), uint64(p.ActiveThreshold.Milliseconds())); err != nil {
		return err
	}
	return w.EndContainer()
}

// DecodeReliabilityParametersIfPresent reads the reliability parameters if
// the reader's current element is a structure under tag. Otherwise the
// reader is left where it is and ok is false.
//
// The fields are read in tag order, each at most once, and any of them may
// be missing; missing fields take their defaults. The first element that
// does not continue that order ends the known fields, and it and everything
// after it are skipped, containers included.
func DecodeReliabilityParametersIfPresent(r *tlv.Reader, tag tlv.Tag) (params session.Params, ok bool, err error) {
	if !r.HasElement() || r.Tag() != tag {
		return session.Params{}, false, nil
	}
	if !r.Type().IsContainer() {
		return session.Params{}, false, fmt.Errorf("%w: reliability parameters are not a structure", ErrMalformedMessage)
	}
	if err := r.EnterContainer(); err != nil {
		return session.Params{}, false, err
	}

	fields := [...]*time.Duration{&params.IdleInterval, &params.ActiveInterval, &params.ActiveThreshold}
	next := uint32(tagIdleInterval)
	for next <= tagActiveThreshold {
		err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return session.Params{}, false, err
		}

		t := r.Tag()
		if !t.IsContext() || t.Number() < next || t.Number() > tagActiveThreshold {
			break
		}
		v, err := r.Uint()
		if err != nil {
			return session.Params{}, false, fmt.Errorf("%w: reliability parameter: %v", ErrMalformedMessage, err)
		}
		if v > uint64(session.MaxIdleInterval.Milliseconds()) {
			v = uint64(session.MaxIdleInterval.Milliseconds())
		}
		*fields[t.Number()-tagIdleInterval] = time.Duration(v) * time.Millisecond
		next = t.Number() + 1
	}

	if err := r.ExitContainer(); err != nil {
		return session.Params{}, false, err
	}
	return params.WithDefaults(), true, nil
}
