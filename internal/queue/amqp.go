// Package queue はRabbitMQ経由でリマインダーの配送を非同期化する。
// workerが通知意図を発行し、senderコマンドが消費してWeb Push送信を行う。
package queue

import (
	"fmt"
	"time"

	"github.com/streadway/amqp"
)

// 交換機とキューの名前。
const (
	Exchange   = "notifications"
	RoutingKey = "reminder"
	QueueName  = "notifications.reminder"
)

// prefetch は1コンシューマーが同時に受け取る未確認メッセージの上限。
const prefetch = 10

// Connect はRabbitMQへ接続する。接続できるまでretries回までdelay間隔で再試行する。
func Connect(url string, retries int, delay time.Duration) (*amqp.Connection, error) {
	if retries <= 0 {
		retries = 1
	}
	var err error
	for i := range retries {
		var conn *amqp.Connection
		conn, err = amqp.Dial(url)
		if err == nil {
			return conn, nil
		}
		if i < retries-1 {
			time.Sleep(delay)
		}
	}
	return nil, fmt.Errorf("RabbitMQへの接続に失敗しました: %w", err)
}

// Declarer は交換機とキューの宣言に必要なチャネル操作。*amqp.Channelが満たす。
type Declarer interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// Declare は永続化された direct 交換機とリマインダーキューを宣言し、バインドする。
// 何度呼び出しても同じ状態になる。
func Declare(ch Declarer) error {
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("QoSの設定に失敗しました: %w", err)
	}
	if err := ch.ExchangeDeclare(Exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("交換機の宣言に失敗しました: %s: %w", Exchange, err)
	}
	if _, err := ch.QueueDeclare(QueueName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("キューの宣言に失敗しました: %s: %w", QueueName, err)
	}
	if err := ch.QueueBind(QueueName, RoutingKey, Exchange, false, nil); err != nil {
		return fmt.Errorf("キューのバインドに失敗しました: %s -> %s: %w", QueueName, RoutingKey, err)
	}
	return nil
}

// OpenChannel は接続からチャネルを開き、Declareを実行する。
func OpenChannel(conn *amqp.Connection) (*amqp.Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("チャネルの作成に失敗しました: %w", err)
	}
	if err := Declare(ch); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return ch, nil
}
