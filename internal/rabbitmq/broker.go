package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultExchange is the topic exchange every queue is bound to
const DefaultExchange = "blink"

// session is one connection and its working channel. It is never mutated
// after it has been published through Broker.sess.
type session struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	connClosed chan *amqp.Error
	chClosed   chan *amqp.Error
}

func (s *session) close() {
	if s.ch != nil {
		_ = s.ch.Close()
	}
	if s.conn != nil && !s.conn.IsClosed() {
		_ = s.conn.Close()
	}
}

// Broker owns the RabbitMQ connection and a single confirm-mode channel
// shared by every queue in the process. Lost channels are reopened at once;
// a lost connection is redialed on a fixed interval until it comes back or
// Disconnect is called.
type Broker struct {
	url               string
	exchange          string
	connectionName    string
	reconnectInterval time.Duration
	connectTimeout    time.Duration
	publishTimeout    time.Duration
	logger            *slog.Logger

	sess     atomic.Pointer[session]
	shutdown atomic.Bool
	handlers sync.WaitGroup

	// mu serializes connect, reconnect and the topology and subscription
	// bookkeeping that is replayed after a reconnect.
	mu            sync.Mutex
	done          chan struct{}
	queues        map[string]queueDeclaration
	queueOrder    []string
	subscriptions map[string]*subscription
}

// BrokerOption configures the Broker
type BrokerOption func(*Broker)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) BrokerOption {
	return func(b *Broker) {
		b.logger = logger
	}
}

// WithExchange sets the name of the topic exchange
func WithExchange(name string) BrokerOption {
	return func(b *Broker) {
		b.exchange = name
	}
}

// WithReconnectInterval sets the wait between redial attempts
func WithReconnectInterval(interval time.Duration) BrokerOption {
	return func(b *Broker) {
		b.reconnectInterval = interval
	}
}

// WithConnectTimeout bounds a single dial attempt
func WithConnectTimeout(timeout time.Duration) BrokerOption {
	return func(b *Broker) {
		b.connectTimeout = timeout
	}
}

// WithPublishTimeout bounds how long a publish waits for its confirm
func WithPublishTimeout(timeout time.Duration) BrokerOption {
	return func(b *Broker) {
		b.publishTimeout = timeout
	}
}

// WithConnectionName sets the client connection name shown in the management UI
func WithConnectionName(name string) BrokerOption {
	return func(b *Broker) {
		b.connectionName = name
	}
}

// NewBroker creates a broker for the given AMQP URL. It does not connect.
func NewBroker(url string, options ...BrokerOption) *Broker {
	b := &Broker{
		url:               url,
		exchange:          DefaultExchange,
		connectionName:    "blink",
		reconnectInterval: 5 * time.Second,
		connectTimeout:    30 * time.Second,
		publishTimeout:    10 * time.Second,
		logger:            slog.Default(),
		queues:            make(map[string]queueDeclaration),
		subscriptions:     make(map[string]*subscription),
	}

	for _, opt := range options {
		opt(b)
	}

	return b
}

// Exchange returns the topic exchange name
func (b *Broker) Exchange() string {
	return b.exchange
}

// Connect dials the broker, opens the working channel and declares the
// exchange. Calling Connect on a connected broker is a no-op.
func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sess.Load() != nil {
		return nil
	}

	b.shutdown.Store(false)
	b.done = make(chan struct{})

	s, err := b.dial(ctx)
	if err != nil {
		return err
	}

	b.sess.Store(s)
	go b.watch(s, b.done)

	b.logger.Info("connected to RabbitMQ",
		"url", SanitizeURL(b.url),
		"exchange", b.exchange)
	return nil
}

// Disconnect stops consumers, closes the channel and connection and
// suppresses any further reconnect. In-flight handlers are not interrupted.
func (b *Broker) Disconnect() error {
	b.shutdown.Store(true)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.done != nil {
		select {
		case <-b.done:
		default:
			close(b.done)
		}
	}

	for tag, sub := range b.subscriptions {
		sub.cancel()
		delete(b.subscriptions, tag)
	}

	s := b.sess.Swap(nil)
	if s == nil {
		return nil
	}

	var err error
	if s.ch != nil {
		if cerr := s.ch.Close(); cerr != nil {
			err = cerr
		}
	}
	if s.conn != nil && !s.conn.IsClosed() {
		if cerr := s.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}

	b.logger.Info("disconnected from RabbitMQ")
	return err
}

// IsConnected reports whether the current connection and channel are open
func (b *Broker) IsConnected() bool {
	s := b.sess.Load()
	return s != nil && !s.conn.IsClosed() && !s.ch.IsClosed()
}

// current returns the live session or ErrNotConnected
func (b *Broker) current() (*session, error) {
	if b.shutdown.Load() {
		return nil, ErrShutdown
	}
	s := b.sess.Load()
	if s == nil {
		return nil, ErrNotConnected
	}
	return s, nil
}

// dial opens a complete session: connection, confirm-mode channel and exchange
func (b *Broker) dial(ctx context.Context) (*session, error) {
	if _, err := amqp.ParseURI(b.url); err != nil {
		return nil, b.connectionError("connect", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, b.connectTimeout)
	defer cancel()

	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName(b.connectionName)
	cfg := amqp.Config{
		Heartbeat:  10 * time.Second,
		Locale:     "en_US",
		Dial:       amqp.DefaultDial(b.connectTimeout),
		Properties: props,
	}

	type dialResult struct {
		conn *amqp.Connection
		err  error
	}
	results := make(chan dialResult, 1)

	go func() {
		conn, err := amqp.DialConfig(b.url, cfg)
		results <- dialResult{conn: conn, err: err}
	}()

	var conn *amqp.Connection
	select {
	case r := <-results:
		if r.err != nil {
			return nil, b.connectionError("connect", r.err)
		}
		conn = r.conn

	case <-dialCtx.Done():
		go func() {
			if r := <-results; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, b.connectionError("connect", ErrConnectionTimeout)
	}

	s := &session{
		conn:       conn,
		connClosed: conn.NotifyClose(make(chan *amqp.Error, 1)),
	}
	if err := b.openChannel(s); err != nil {
		_ = conn.Close()
		return nil, b.connectionError("open channel", err)
	}
	return s, nil
}

// openChannel opens a confirm-mode channel on s.conn and declares the exchange
func (b *Broker) openChannel(s *session) error {
	ch, err := s.conn.Channel()
	if err != nil {
		return &ChannelError{Op: "open", Err: err, Timestamp: time.Now()}
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return &ChannelError{Op: "confirm", Err: err, Timestamp: time.Now()}
	}
	if err := declareExchange(ch, b.exchange); err != nil {
		_ = ch.Close()
		return err
	}

	s.ch = ch
	s.chClosed = ch.NotifyClose(make(chan *amqp.Error, 1))
	return nil
}

// watch waits for the session to break and drives recovery
func (b *Broker) watch(s *session, done <-chan struct{}) {
	select {
	case <-done:
		return

	case err := <-s.connClosed:
		if b.shutdown.Load() {
			return
		}
		b.logger.Error("connection closed unexpectedly", "error", err)
		b.reconnect(s, done)

	case err := <-s.chClosed:
		if b.shutdown.Load() {
			return
		}
		if s.conn.IsClosed() {
			b.logger.Error("connection closed unexpectedly", "error", err)
			b.reconnect(s, done)
			return
		}
		b.logger.Warn("channel closed, reopening", "error", err)
		if b.reopenChannel(s, done) {
			return
		}
		b.reconnect(s, done)
	}
}

// reopenChannel replaces a lost channel on a healthy connection.
// It returns false when a full reconnect is required.
func (b *Broker) reopenChannel(old *session, done <-chan struct{}) bool {
	next := &session{conn: old.conn, connClosed: old.connClosed}
	if err := b.openChannel(next); err != nil {
		b.logger.Error("failed to reopen channel", "error", err)
		return false
	}
	if !b.restore(next, done) {
		_ = next.ch.Close()
		return false
	}
	b.logger.Info("channel reopened")
	return true
}

// reconnect redials on a fixed interval until it succeeds or shutdown
func (b *Broker) reconnect(old *session, done <-chan struct{}) {
	b.sess.CompareAndSwap(old, nil)
	old.close()

	for attempt := 1; ; attempt++ {
		select {
		case <-done:
			return
		case <-time.After(b.reconnectInterval):
		}
		if b.shutdown.Load() {
			return
		}

		b.logger.Info("attempting to reconnect", "attempt", attempt)

		next, err := b.dial(context.Background())
		if err != nil {
			b.logger.Error("reconnection failed",
				"error", err,
				"attempt", attempt,
				"nextRetryIn", b.reconnectInterval)
			continue
		}
		if b.restore(next, done) {
			b.logger.Info("successfully reconnected to RabbitMQ", "attempts", attempt)
			return
		}
		next.close()
	}
}

// restore replays declared topology and subscriptions on a fresh session,
// then swaps it in. It returns false if the session could not be prepared.
func (b *Broker) restore(next *session, done <-chan struct{}) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-done:
		return false
	default:
	}

	for _, name := range b.queueOrder {
		if _, err := declareQueue(next.ch, b.exchange, b.queues[name]); err != nil {
			b.logger.Error("failed to restore queue", "queue", name, "error", err)
			return false
		}
	}

	b.sess.Store(next)

	for _, sub := range b.subscriptions {
		if err := b.startConsuming(next, sub); err != nil {
			b.logger.Error("failed to restore subscription",
				"queue", sub.queue,
				"consumerTag", sub.tag,
				"error", err)
		}
	}

	go b.watch(next, done)
	return true
}

func (b *Broker) connectionError(op string, err error) error {
	return &ConnectionError{
		Op:        op,
		URL:       SanitizeURL(b.url),
		Err:       err,
		Timestamp: time.Now(),
		Attempts:  1,
	}
}
