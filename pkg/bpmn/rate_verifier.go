package bpmn

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fluxbpm/fluxbpm/pkg/bpmn/runtime"
	"github.com/fluxbpm/fluxbpm/pkg/storage"
	"github.com/hashicorp/go-hclog"
)

// platformCounterKey is the platform-wide slot holding the sealed counter.
const platformCounterKey = "process-start-counter"

// ProcessStarterVerifier guards instance creation with a sliding-window
// counter. The counter survives restarts as an encrypted blob in the
// platform store; the in-memory list is reconciled from it on first use.
type ProcessStarterVerifier struct {
	mu     sync.Mutex
	starts []time.Time
	loaded bool

	limit  int
	window time.Duration
	store  storage.PlatformStorage
	aead   cipher.AEAD
	clock  func() time.Time
	logger hclog.Logger

	warned80 bool
	warned90 bool
}

func NewProcessStarterVerifier(limit int, window time.Duration, secret []byte, store storage.PlatformStorage, logger hclog.Logger) (*ProcessStarterVerifier, error) {
	block, err := aes.NewCipher(secret)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize start counter cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize start counter cipher: %w", err)
	}
	return &ProcessStarterVerifier{
		limit:  limit,
		window: window,
		store:  store,
		aead:   aead,
		clock:  time.Now,
		logger: logger.Named("start-verifier"),
	}, nil
}

// Verify admits or rejects one process start. Counters older than the window
// are pruned before the count check on every call; on admission the start is
// appended and the counter persisted.
// Might return StartLimitError.
func (v *ProcessStarterVerifier) Verify(ctx context.Context, instance *runtime.ProcessInstance) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.loaded {
		if err := v.load(ctx); err != nil {
			return err
		}
		v.loaded = true
	}

	now := v.clock()
	v.prune(now)

	if len(v.starts) >= v.limit {
		return &StartLimitError{Limit: v.limit, Window: v.window}
	}

	v.starts = append(v.starts, now)
	v.warnThresholds(instance)

	if err := v.persist(ctx); err != nil {
		// roll the admission back, the caller's transaction will too
		v.starts = v.starts[:len(v.starts)-1]
		return err
	}
	return nil
}

func (v *ProcessStarterVerifier) prune(now time.Time) {
	cutoff := now.Add(-v.window)
	kept := v.starts[:0]
	for _, t := range v.starts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	v.starts = kept
	if len(v.starts) < (v.limit*8)/10 {
		v.warned80 = false
	}
	if len(v.starts) < (v.limit*9)/10 {
		v.warned90 = false
	}
}

// warnThresholds emits each threshold warning once per crossing.
func (v *ProcessStarterVerifier) warnThresholds(instance *runtime.ProcessInstance) {
	count := len(v.starts)
	if count >= (v.limit*9)/10 {
		if !v.warned90 {
			v.warned90 = true
			v.warned80 = true
			v.logger.Warn("process start counter reached 90% of the limit", "count", count, "limit", v.limit, "processInstanceKey", instance.Key)
		}
		return
	}
	if count >= (v.limit*8)/10 && !v.warned80 {
		v.warned80 = true
		v.logger.Warn("process start counter reached 80% of the limit", "count", count, "limit", v.limit, "processInstanceKey", instance.Key)
	}
}

func (v *ProcessStarterVerifier) load(ctx context.Context) error {
	sealed, err := v.store.ReadPlatformValue(ctx, platformCounterKey)
	if errors.Is(err, storage.ErrNotFound) {
		v.starts = []time.Time{}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read start counter: %w", err)
	}
	plain, err := v.open(sealed)
	if err != nil {
		return fmt.Errorf("failed to unseal start counter: %w", err)
	}
	var starts []time.Time
	if err := json.Unmarshal(plain, &starts); err != nil {
		return fmt.Errorf("failed to decode start counter: %w", err)
	}
	v.starts = starts
	return nil
}

func (v *ProcessStarterVerifier) persist(ctx context.Context) error {
	plain, err := json.Marshal(v.starts)
	if err != nil {
		return fmt.Errorf("failed to encode start counter: %w", err)
	}
	sealed, err := v.seal(plain)
	if err != nil {
		return fmt.Errorf("failed to seal start counter: %w", err)
	}
	if err := v.store.WritePlatformValue(ctx, platformCounterKey, sealed); err != nil {
		return fmt.Errorf("failed to write start counter: %w", err)
	}
	return nil
}

func (v *ProcessStarterVerifier) seal(plain []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return v.aead.Seal(nonce, nonce, plain, nil), nil
}

func (v *ProcessStarterVerifier) open(sealed []byte) ([]byte, error) {
	if len(sealed) < v.aead.NonceSize() {
		return nil, errors.New("sealed counter blob is too short")
	}
	nonce, ciphertext := sealed[:v.aead.NonceSize()], sealed[v.aead.NonceSize():]
	return v.aead.Open(nil, nonce, ciphertext, nil)
}
