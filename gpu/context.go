// Package gpu drives WebGPU compute kernels for the dense linear algebra the
// model leans on. Everything here is optional: callers fall back to the CPU
// path when GetContext fails.
package gpu

import (
	"strings"
	"sync"

	"github.com/openfluke/webgpu/wgpu"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrUnavailable is returned when no usable adapter or device exists.
var ErrUnavailable = errors.New("webgpu unavailable")

// Context holds the single WebGPU context for the process.
type Context struct {
	Instance *wgpu.Instance
	Adapter  *wgpu.Adapter
	Device   *wgpu.Device
	Queue    *wgpu.Queue
	once     sync.Once
}

var (
	ctx     Context
	initErr error
	log     = logrus.WithField("component", "gpu")
)

// SetLogger replaces the package logger.
func SetLogger(l *logrus.Entry) {
	log = l.WithField("component", "gpu")
}

// GetContext returns the singleton GPU context, initializing it if necessary.
func GetContext() (*Context, error) {
	ctx.once.Do(func() {
		ctx.Instance = wgpu.CreateInstance(nil)
		if ctx.Instance == nil {
			initErr = errors.Wrap(ErrUnavailable, "create instance")
			return
		}

		// Prefer a discrete adapter when the driver enumerates more than one.
		for _, a := range ctx.Instance.EnumerateAdapters(nil) {
			info := a.GetInfo()
			log.WithFields(logrus.Fields{
				"adapter": info.Name,
				"vendor":  info.VendorName,
				"type":    info.AdapterType.String(),
			}).Debug("found adapter")
			if strings.Contains(strings.ToLower(info.AdapterType.String()), "discrete") {
				ctx.Adapter = a
				break
			}
		}

		tryInit := func(opts *wgpu.RequestAdapterOptions) error {
			if ctx.Adapter != nil {
				return nil
			}
			var err error
			ctx.Adapter, err = ctx.Instance.RequestAdapter(opts)
			return err
		}

		err := tryInit(&wgpu.RequestAdapterOptions{
			PowerPreference: wgpu.PowerPreferenceHighPerformance,
		})
		if err != nil && ctx.Adapter == nil {
			log.WithError(err).Debug("high performance adapter failed, trying low power")
			err = tryInit(&wgpu.RequestAdapterOptions{
				PowerPreference: wgpu.PowerPreferenceLowPower,
			})
		}
		if err != nil && ctx.Adapter == nil {
			log.WithError(err).Debug("low power adapter failed, trying default")
			err = tryInit(nil)
		}
		if ctx.Adapter == nil {
			initErr = errors.Wrapf(ErrUnavailable, "all adapter attempts failed: %v", err)
			return
		}

		info := ctx.Adapter.GetInfo()
		log.WithFields(logrus.Fields{
			"adapter": info.Name,
			"vendor":  info.VendorName,
		}).Info("using GPU adapter")

		ctx.Device, err = ctx.Adapter.RequestDevice(nil)
		if err != nil {
			initErr = errors.Wrap(err, "request device")
			return
		}
		ctx.Queue = ctx.Device.GetQueue()
	})

	if initErr != nil {
		return nil, initErr
	}
	if ctx.Device == nil || ctx.Queue == nil {
		return nil, errors.Wrap(ErrUnavailable, "device or queue not initialized")
	}
	return &ctx, nil
}
