package compute

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/openfluke/scdag/detector"
	"github.com/openfluke/scdag/gpu"
)

// Preference names the backend requested by configuration.
type Preference string

const (
	Auto        Preference = "auto"
	ForceCPU    Preference = "cpu"
	ForceWebGPU Preference = "webgpu"
)

// ErrUnknownPreference is returned for a backend name Select does not know.
var ErrUnknownPreference = errors.New("unknown backend preference")

// ParsePreference accepts "auto", "cpu" or "webgpu" (case-insensitive);
// the empty string means auto.
func ParsePreference(s string) (Preference, error) {
	switch p := Preference(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return Auto, nil
	case Auto, ForceCPU, ForceWebGPU:
		return p, nil
	default:
		return "", errors.Wrapf(ErrUnknownPreference, "%q", s)
	}
}

// detect is swapped out in tests.
var detect = detector.Detect

// Select resolves the preference into a backend exactly once. Auto falls
// back to the CPU whenever the probe fails or finds only a software adapter;
// ForceWebGPU turns the same conditions into errors.
func Select(pref Preference, log *logrus.Entry) (Backend, error) {
	log = log.WithField("component", "compute")

	if pref == ForceCPU {
		log.Info("using CPU backend")
		return NewCPU(), nil
	}

	rep, err := detect()
	if err != nil {
		if pref == ForceWebGPU {
			return nil, errors.Wrap(err, "webgpu backend requested")
		}
		log.WithError(err).Info("no WebGPU adapter, using CPU backend")
		return NewCPU(), nil
	}

	fields := logrus.Fields{
		"adapter": rep.Name,
		"type":    rep.AdapterType,
		"api":     rep.Backend,
	}
	if !rep.Hardware() {
		if pref == ForceWebGPU {
			return nil, errors.Errorf("webgpu backend requested but adapter %q is software", rep.Name)
		}
		log.WithFields(fields).Info("software adapter only, using CPU backend")
		return NewCPU(), nil
	}

	if _, err := gpu.GetContext(); err != nil {
		if pref == ForceWebGPU {
			return nil, errors.Wrap(err, "webgpu backend requested")
		}
		log.WithError(err).Warn("GPU context failed, using CPU backend")
		return NewCPU(), nil
	}

	log.WithFields(fields).Info("using WebGPU backend")
	return NewWebGPU(rep, log), nil
}
