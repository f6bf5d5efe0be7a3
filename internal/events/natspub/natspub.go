// Пакет natspub — публикация событий жизненного цикла загрузок в NATS JetStream.
// Subject события: <subject>.<type>, тело — JSON events.Event.
package natspub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/bigkaa/goartstore/upload-module/internal/events"
)

// publishTimeout — таймаут подтверждения публикации JetStream.
const publishTimeout = 5 * time.Second

// JetStream — подмножество jetstream.JetStream, используемое публикатором.
type JetStream interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Publisher публикует события в JetStream.
type Publisher struct {
	conn    *nats.Conn
	js      JetStream
	subject string
	logger  *slog.Logger
}

// Connect подключается к NATS, создаёт (или обновляет) stream для subject
// и возвращает публикатор.
func Connect(ctx context.Context, url, subject string, logger *slog.Logger) (*Publisher, error) {
	logger = logger.With(slog.String("component", "natspub"))

	opts := []nats.Option{
		nats.Name("upload-module"),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("Соединение с NATS потеряно", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("Соединение с NATS восстановлено", slog.String("url", nc.ConnectedUrl()))
		}),
	}
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("ошибка подключения к NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ошибка инициализации JetStream: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     StreamName(subject),
		Subjects: []string{subject + ".>"},
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ошибка создания stream %s: %w", StreamName(subject), err)
	}

	p := New(js, subject, logger)
	p.conn = conn
	logger.Info("Публикация событий в NATS включена",
		slog.String("url", url),
		slog.String("subject", subject),
	)
	return p, nil
}

// New создаёт публикатор поверх готового JetStream-клиента.
func New(js JetStream, subject string, logger *slog.Logger) *Publisher {
	return &Publisher{js: js, subject: subject, logger: logger}
}

// StreamName возвращает имя stream для subject: uploads.events → UPLOADS_EVENTS.
func StreamName(subject string) string {
	return strings.ToUpper(strings.NewReplacer(".", "_", "*", "_", ">", "_").Replace(subject))
}

// Subject возвращает subject события указанного типа.
func (p *Publisher) Subject(t events.Type) string {
	return p.subject + "." + string(t)
}

// Observe публикует событие. Ошибки публикации логируются и не
// влияют на обработку запроса. Подходит как events.Observer.
func (p *Publisher) Observe(ctx context.Context, e events.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		p.logger.Error("Ошибка сериализации события",
			slog.String("type", string(e.Type)),
			slog.String("error", err.Error()),
		)
		return
	}

	// Событие публикуется и после отмены запроса клиентом
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if _, err := p.js.Publish(pubCtx, p.Subject(e.Type), data); err != nil {
		p.logger.Warn("Ошибка публикации события",
			slog.String("subject", p.Subject(e.Type)),
			slog.String("error", err.Error()),
		)
	}
}

// Close закрывает соединение с NATS, дожидаясь отправки буфера.
func (p *Publisher) Close() error {
	if p.conn == nil {
		return nil
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return fmt.Errorf("ошибка закрытия соединения с NATS: %w", err)
	}
	return nil
}
