package notifications

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/systmms/rootrotate/internal/config"
	"github.com/systmms/rootrotate/internal/logging"
)

const (
	// DefaultQueueSize is the maximum number of events that can be queued.
	DefaultQueueSize = 100

	drainTimeout = 5 * time.Second
)

// Manager coordinates notification delivery across multiple providers.
// It uses an async bounded queue so a slow endpoint never blocks a rotation.
type Manager struct {
	providers []NotificationProvider
	queue     chan RotationEvent
	wg        sync.WaitGroup
	mu        sync.RWMutex
	running   bool
	done      chan struct{}
	logger    *logging.Logger

	droppedCount int64
	droppedMu    sync.Mutex
}

// NewManager creates a new notification manager with the specified queue size.
// If queueSize is 0, DefaultQueueSize is used.
func NewManager(queueSize int, logger *logging.Logger) *Manager {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Manager{
		providers: make([]NotificationProvider, 0),
		queue:     make(chan RotationEvent, queueSize),
		done:      make(chan struct{}),
		logger:    logger,
	}
}

// FromConfig builds a manager with a provider for every configured channel.
// Every invalid provider is reported; valid ones are still registered.
func FromConfig(cfg *config.NotificationConfig, logger *logging.Logger) (*Manager, error) {
	m := NewManager(DefaultQueueSize, logger)
	if cfg == nil {
		return m, nil
	}

	var result *multierror.Error
	if cfg.Slack != nil {
		p, err := CreateSlackProvider(cfg.Slack)
		if err != nil {
			result = multierror.Append(result, err)
		} else {
			m.RegisterProvider(p)
		}
	}
	for i := range cfg.Webhooks {
		p, err := CreateWebhookProvider(&cfg.Webhooks[i])
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		m.RegisterProvider(p)
	}
	return m, result.ErrorOrNil()
}

// RegisterProvider adds a notification provider to the manager.
func (m *Manager) RegisterProvider(provider NotificationProvider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers = append(m.providers, provider)
}

// Providers returns a copy of the registered providers.
func (m *Manager) Providers() []NotificationProvider {
	m.mu.RLock()
	defer m.mu.RUnlock()
	providers := make([]NotificationProvider, len(m.providers))
	copy(providers, m.providers)
	return providers
}

// Start begins the background notification worker goroutine.
// Events sent before Start are discarded.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.worker(ctx)
}

// Stop shuts down the worker after pending notifications are processed.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	close(m.done)
	m.wg.Wait()
}

// Send queues a rotation event for notification delivery.
// If the queue is full the event is dropped and counted. Send never blocks.
func (m *Manager) Send(event RotationEvent) {
	if m == nil {
		return
	}
	m.mu.RLock()
	if !m.running {
		m.mu.RUnlock()
		return
	}
	m.mu.RUnlock()

	select {
	case m.queue <- event:
	default:
		m.droppedMu.Lock()
		m.droppedCount++
		m.droppedMu.Unlock()

		incrementDroppedCounter()
		m.logger.Warn("Notification queue full, dropped %s event", event.Type)
	}
}

// DroppedCount returns the number of events that were dropped due to queue overflow.
func (m *Manager) DroppedCount() int64 {
	m.droppedMu.Lock()
	defer m.droppedMu.Unlock()
	return m.droppedCount
}

func (m *Manager) worker(ctx context.Context) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			m.drainQueue()
			return
		case <-m.done:
			m.drainQueue()
			return
		case event, ok := <-m.queue:
			if !ok {
				return
			}
			m.dispatchEvent(ctx, event)
		}
	}
}

// drainQueue delivers whatever is still queued, each with a short deadline.
func (m *Manager) drainQueue() {
	for {
		select {
		case event, ok := <-m.queue:
			if !ok {
				return
			}
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			m.dispatchEvent(drainCtx, event)
			cancel()
		default:
			return
		}
	}
}

// dispatchEvent sends an event to all providers that support it.
func (m *Manager) dispatchEvent(ctx context.Context, event RotationEvent) {
	m.mu.RLock()
	providers := m.providers
	m.mu.RUnlock()

	for _, provider := range providers {
		if !provider.SupportsEvent(event.Type) {
			continue
		}
		if err := provider.Send(ctx, event); err != nil {
			incrementFailedCounter(provider.Name())
			m.logger.Warn("Notification via %s failed: %v", provider.Name(), err)
		}
	}
}
