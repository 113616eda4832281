package capture

import (
	"errors"
	"fmt"
	"io"

	"He6CRES/udprx/config"
	"He6CRES/udprx/internal/buffer"
	"He6CRES/udprx/internal/logger"
	"He6CRES/udprx/internal/naming"
	"He6CRES/udprx/internal/telemetry"
	"He6CRES/udprx/internal/transport"
	"He6CRES/udprx/internal/transport/pcapreplay"
	"He6CRES/udprx/internal/writeback"
)

// Dialer opens the packet source for cfg.
type Dialer func(cfg config.Config, log *logger.Logger) (transport.Receiver, error)

// Dial opens a replay of cfg.Network.ReplayPCAP when set, and otherwise binds
// the configured UDP endpoint.
func Dial(cfg config.Config, log *logger.Logger) (transport.Receiver, error) {
	if cfg.Network.ReplayPCAP != "" {
		log.Info("[capture] Replaying UDP port %d from %s", cfg.Network.Port, cfg.Network.ReplayPCAP)
		return pcapreplay.Open(cfg.Network.ReplayPCAP, cfg.Network.Port)
	}
	ep := transport.Endpoint{Address: cfg.Network.Address, Port: cfg.Network.Port}
	rx, err := transport.Listen(ep, transport.Options{
		RxBufferBytes: cfg.Network.RxBufferBytes,
		TxBufferBytes: cfg.Network.TxBufferBytes,
		RecvTimeout:   cfg.RecvTimeout(),
		BatchSize:     cfg.Network.BatchSize,
		Log:           log,
	})
	if err != nil {
		return nil, err
	}
	log.Info("[capture] Listening on %s", rx.LocalAddr())
	return rx, nil
}

// Pipeline is a controller together with the resources it was built on.
type Pipeline struct {
	*Controller
	Pool     *buffer.Pool
	Receiver transport.Receiver
}

// Setup validates cfg, allocates the capture buffers, and only then opens the
// packet source with dial. Telemetry lines are written to out.
func Setup(cfg config.Config, dial Dialer, out io.Writer, log *logger.Logger) (*Pipeline, error) {
	if log == nil {
		log = logger.Discard()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	policy, err := NewPolicy(cfg)
	if err != nil {
		return nil, err
	}

	vs, err := buffer.NewVolumeSet(cfg.Storage.Volumes, cfg.VolumeRoots())
	if err != nil {
		return nil, &config.ConfigurationError{Field: "storage.volumes", Reason: err.Error()}
	}
	vs = vs.Rotate(cfg.Storage.StartVolume)

	pool, err := buffer.NewPool(vs, cfg.Capture.BufferCapacityBytes, buffer.Options{LockMemory: cfg.Capture.LockMemory, Log: log})
	if err != nil {
		return nil, fmt.Errorf("failed to allocate capture buffers: %w", err)
	}
	log.Info("[capture] Allocated %d buffer(s) of %d bytes for volumes %v", pool.Len(), cfg.Capture.BufferCapacityBytes, vs.Labels())

	rx, err := dial(cfg, log)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to open packet source: %w", err), pool.Close())
	}

	worker := writeback.NewWorker(pool, writeback.Options{
		Fsync:      cfg.Storage.Fsync,
		CreateDirs: cfg.Storage.CreateDirs,
		Log:        log,
	})
	ctrl, err := New(cfg, Deps{
		Receiver: rx,
		Pool:     pool,
		Writer:   worker,
		Policy:   policy,
		Namer:    naming.New(nil),
		Reporter: telemetry.NewEmitter(out, cfg.SingleShot()),
		Log:      log,
	})
	if err != nil {
		return nil, errors.Join(err, rx.Close(), pool.Close())
	}
	return &Pipeline{Controller: ctrl, Pool: pool, Receiver: rx}, nil
}

// Close closes the packet source and unmaps the buffers. Call it after Run
// has returned.
func (p *Pipeline) Close() error {
	return errors.Join(p.Receiver.Close(), p.Pool.Close())
}
