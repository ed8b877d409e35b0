package notify

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// msgPublisher - часть *nats.Conn, нужная для публикации
type msgPublisher interface {
	PublishMsg(m *nats.Msg) error
}

// NATSDispatcher публикует уведомления в NATS на subject <prefix>.<type>
type NATSDispatcher struct {
	pub    msgPublisher
	prefix string
	conn   *nats.Conn
}

// ConnectNATS подключается к NATS и возвращает диспетчер
func ConnectNATS(url, prefix string, log *zap.Logger) (*NATSDispatcher, error) {
	opts := []nats.Option{
		nats.Name("bookswap-notify"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500 * time.Millisecond),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(3 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS: соединение потеряно", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS: переподключение", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "nats connect")
	}
	d := newNATSDispatcher(nc, prefix)
	d.conn = nc
	return d, nil
}

func newNATSDispatcher(pub msgPublisher, prefix string) *NATSDispatcher {
	return &NATSDispatcher{pub: pub, prefix: strings.TrimSuffix(prefix, ".")}
}

// Subject возвращает subject для типа события
func (d *NATSDispatcher) Subject(kind string) string {
	if d.prefix == "" {
		return kind
	}
	return d.prefix + "." + kind
}

// Dispatch реализует Dispatcher
func (d *NATSDispatcher) Dispatch(_ context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return errors.Wrap(err, "marshal notification")
	}
	msg := nats.NewMsg(d.Subject(n.Type))
	msg.Data = body
	msg.Header.Set("Nats-Msg-Id", n.ID)
	msg.Header.Set("Content-Type", "application/json")
	if err := d.pub.PublishMsg(msg); err != nil {
		return errors.Wrapf(err, "publish %s", msg.Subject)
	}
	return nil
}

// Close дожидается отправки буфера и закрывает соединение
func (d *NATSDispatcher) Close() {
	if d.conn == nil {
		return
	}
	if err := d.conn.Drain(); err != nil {
		d.conn.Close()
	}
}
