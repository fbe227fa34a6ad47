package call

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/arzzra/callcore/pkg/media"
)

// acquirer координирует захват устройств. Одновременно идет не больше
// одного захвата; остальные ждут слот не дольше wait.
//
// Порядок выбора потока: заранее прогретый, затем предзагруженный под
// ожидаемый ответ, затем новый захват. Невыбранные потоки останавливаются.
type acquirer struct {
	engine     media.Engine
	clock      clock.Clock
	wait       time.Duration
	retryDelay time.Duration
	logger     *zap.Logger

	slot chan struct{}
	wg   sync.WaitGroup

	mu             sync.Mutex
	prewarmed      map[media.Kind]media.Stream
	prefetched     map[media.Kind]media.Stream
	prefetchSeq    uint64
	prefetchCancel context.CancelFunc
}

func newAcquirer(engine media.Engine, clk clock.Clock, cfg Config, logger *zap.Logger) *acquirer {
	return &acquirer{
		engine:     engine,
		clock:      clk,
		wait:       cfg.AcquireWait,
		retryDelay: cfg.DeviceBusyRetryDelay,
		logger:     logger,
		slot:       make(chan struct{}, 1),
		prewarmed:  make(map[media.Kind]media.Stream),
		prefetched: make(map[media.Kind]media.Stream),
	}
}

// Acquire возвращает поток для звонка
func (a *acquirer) Acquire(ctx context.Context, kind media.Kind) (media.Stream, error) {
	if s := a.takeCached(kind); s != nil {
		return s, nil
	}
	if err := a.lock(ctx); err != nil {
		return nil, err
	}
	defer a.unlock()

	// пока ждали слот, мог завершиться прогрев или предзагрузка
	if s := a.takeCached(kind); s != nil {
		return s, nil
	}
	return a.fresh(ctx, kind)
}

// Prewarm захватывает поток заранее, до начала звонка
func (a *acquirer) Prewarm(ctx context.Context, kind media.Kind) error {
	if err := a.lock(ctx); err != nil {
		return err
	}
	defer a.unlock()

	s, err := a.fresh(ctx, kind)
	if err != nil {
		return err
	}
	a.mu.Lock()
	if old := a.prewarmed[kind]; old != nil {
		old.Stop()
	}
	a.prewarmed[kind] = s
	a.mu.Unlock()
	a.logger.Debug("media prewarmed", zap.String("kind", kind.String()), zap.String("stream", s.ID()))
	return nil
}

// Prefetch в фоне захватывает поток под ожидаемый ответ на входящий звонок
func (a *acquirer) Prefetch(kind media.Kind) {
	a.mu.Lock()
	if a.prefetchCancel != nil || a.prefetched[kind] != nil || a.prewarmed[kind] != nil {
		a.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.prefetchSeq++
	seq := a.prefetchSeq
	a.prefetchCancel = cancel
	a.wg.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.wg.Done()
		defer cancel()

		var s media.Stream
		err := a.lock(ctx)
		locked := err == nil
		if locked {
			s, err = a.fresh(ctx, kind)
		}

		a.mu.Lock()
		if a.prefetchSeq == seq {
			a.prefetchCancel = nil
		}
		switch {
		case err != nil:
			a.logger.Debug("media prefetch failed", zap.String("kind", kind.String()), zap.Error(err))
		case ctx.Err() != nil:
			s.Stop()
		default:
			if old := a.prefetched[kind]; old != nil {
				old.Stop()
			}
			a.prefetched[kind] = s
		}
		a.mu.Unlock()

		// слот отпускаем после публикации потока, чтобы ожидающий Acquire его нашел
		if locked {
			a.unlock()
		}
	}()
}

// releasePrefetched отменяет предзагрузку и останавливает ее потоки
func (a *acquirer) releasePrefetched() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.prefetchCancel != nil {
		a.prefetchCancel()
		a.prefetchCancel = nil
	}
	for kind, s := range a.prefetched {
		s.Stop()
		delete(a.prefetched, kind)
	}
}

func (a *acquirer) close() {
	a.releasePrefetched()
	a.wg.Wait()
	a.mu.Lock()
	defer a.mu.Unlock()
	for kind, s := range a.prewarmed {
		s.Stop()
		delete(a.prewarmed, kind)
	}
}

func (a *acquirer) takeCached(kind media.Kind) media.Stream {
	a.mu.Lock()
	defer a.mu.Unlock()

	winner := a.prewarmed[kind]
	if winner == nil {
		winner = a.prefetched[kind]
	}
	if winner == nil {
		return nil
	}
	for k, s := range a.prewarmed {
		if s != winner {
			s.Stop()
		}
		delete(a.prewarmed, k)
	}
	for k, s := range a.prefetched {
		if s != winner {
			s.Stop()
		}
		delete(a.prefetched, k)
	}
	return winner
}

func (a *acquirer) lock(ctx context.Context) error {
	select {
	case a.slot <- struct{}{}:
		return nil
	default:
	}

	t := a.clock.Timer(a.wait)
	defer t.Stop()
	select {
	case a.slot <- struct{}{}:
		return nil
	case <-t.C:
		return ErrDeviceBusy.WithCause(errors.New("another media acquisition is in flight"))
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *acquirer) unlock() {
	<-a.slot
}

func (a *acquirer) inFlight() bool {
	return len(a.slot) > 0
}

// fresh захватывает устройства; DeviceBusy повторяется один раз
func (a *acquirer) fresh(ctx context.Context, kind media.Kind) (media.Stream, error) {
	var stream media.Stream
	op := func() error {
		s, err := a.engine.Acquire(ctx, kind)
		if err != nil {
			if errors.Is(err, media.ErrDeviceBusy) && ctx.Err() == nil {
				return err
			}
			return backoff.Permanent(err)
		}
		stream = s
		return nil
	}
	notify := func(err error, next time.Duration) {
		a.logger.Warn("media device busy, retrying",
			zap.String("kind", kind.String()), zap.Duration("retry_in", next), zap.Error(err))
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(a.retryDelay), 1), ctx)
	if err := backoff.RetryNotifyWithTimer(op, policy, notify, &clockTimer{clock: a.clock}); err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		stream.Stop()
		return nil, ctx.Err()
	}
	return stream, nil
}

// clockTimer backoff.Timer поверх clock.Clock, чтобы паузы между
// повторами подчинялись тестовым часам
type clockTimer struct {
	clock clock.Clock
	timer *clock.Timer
}

func (t *clockTimer) Start(d time.Duration) {
	if t.timer == nil {
		t.timer = t.clock.Timer(d)
		return
	}
	t.timer.Reset(d)
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time {
	return t.timer.C
}
