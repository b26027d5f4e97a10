package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/waveline-social/realtime-core/internal/model"
	"github.com/waveline-social/realtime-core/pkg/logger"
)

const (
	// StreamName is the name of the mutations stream.
	StreamName = "CONVERSATION_MUTATIONS"

	// SubjectPrefix is the prefix for all mutation subjects.
	SubjectPrefix = "conv"
)

// Config holds NATS connection configuration.
type Config struct {
	URL      string
	CAFile   string
	CertFile string
	KeyFile  string
	Token    string

	// DedupWindow bounds server-side idempotency-token retention.
	DedupWindow time.Duration
}

// NATSAuthority commits mutations through a NATS JetStream stream. The
// stream's duplicate-detection window enforces idempotency tokens
// server-side; the publish ack's stream sequence is the authority's logical
// commit timestamp.
type NATSAuthority struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	logger *logger.Logger
}

// Connect establishes a connection to the NATS authority and ensures the
// mutations stream exists.
func Connect(ctx context.Context, cfg Config, log *logger.Logger) (*NATSAuthority, error) {
	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected")
		}),
	}

	if cfg.CAFile != "" && cfg.CertFile != "" && cfg.KeyFile != "" {
		tlsConfig, err := createTLSConfig(cfg.CAFile, cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts = append(opts, nats.Secure(tlsConfig))
	}

	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	a := &NATSAuthority{conn: nc, js: js, logger: log}
	if err := a.ensureStream(ctx, cfg.DedupWindow); err != nil {
		nc.Close()
		return nil, err
	}
	return a, nil
}

func (a *NATSAuthority) ensureStream(ctx context.Context, dedupWindow time.Duration) error {
	if dedupWindow <= 0 {
		dedupWindow = 24 * time.Hour
	}

	if _, err := a.js.Stream(ctx, StreamName); err == nil {
		return nil
	}

	_, err := a.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{fmt.Sprintf("%s.>", SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      365 * 24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Duplicates:  dedupWindow,
		Description: "Committed conversation mutations",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// MutationSubject returns the subject for a mutation.
func MutationSubject(conversationID string, kind MutationKind) string {
	return fmt.Sprintf("%s.%s.mut.%s", SubjectPrefix, conversationID, kind)
}

// Commit publishes the mutation with its token as the message ID, letting
// JetStream's duplicate window deduplicate resends.
func (a *NATSAuthority) Commit(ctx context.Context, mut Mutation) (Ack, error) {
	data, err := msgpack.Marshal(&mut)
	if err != nil {
		return Ack{}, fmt.Errorf("failed to marshal mutation: %w", err)
	}

	ack, err := a.js.Publish(ctx, MutationSubject(mut.ConversationID, mut.Kind), data,
		jetstream.WithMsgID(mut.Token),
	)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Ack{}, fmt.Errorf("%w: %v", model.ErrCanceled, err)
		}
		return Ack{}, fmt.Errorf("%w: publish: %v", model.ErrNetwork, err)
	}

	out := Ack{
		Timestamp: int64(ack.Sequence),
		Duplicate: ack.Duplicate,
	}
	if mut.Kind == MutationSend {
		out.OrderKey = model.OrderKey{
			Timestamp: int64(ack.Sequence),
			MessageID: mut.MessageID,
		}
	}
	return out, nil
}

// Connected reports whether the NATS connection is up.
func (a *NATSAuthority) Connected() bool {
	return a.conn != nil && a.conn.IsConnected()
}

// Close closes the NATS connection.
func (a *NATSAuthority) Close() {
	if a.conn != nil {
		a.conn.Close()
	}
}

func createTLSConfig(caFile, certFile, keyFile string) (*tls.Config, error) {
	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load client cert: %w", err)
	}

	return &tls.Config{
		RootCAs:      caCertPool,
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
