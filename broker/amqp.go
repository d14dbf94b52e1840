package broker

import (
	"context"

	"github.com/google/uuid"
	extErrors "github.com/pkg/errors"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
)

var _ Publisher = &AMQPBroker{}

const lifecycleExchange string = "subscription_lifecycle"

// AMQPBroker describes a message broker via RabbitMQ
type AMQPBroker struct {
	logger     *zap.Logger
	connection *amqp.Connection
	channel    *amqp.Channel
}

// NewAMQPBroker returns a Message Broker over RabbitMQ
func NewAMQPBroker(logger *zap.Logger, amqpURI string) (*AMQPBroker, error) {
	amqpConn, err := amqp.Dial(amqpURI)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot connect to Message Broker")
	}
	amqpChan, err := amqpConn.Channel()
	if err != nil {
		amqpConn.Close()
		return nil, extErrors.Wrap(err, "Cannot create broker channel")
	}
	broker := &AMQPBroker{
		logger:     logger,
		connection: amqpConn,
		channel:    amqpChan,
	}
	if err := broker.setupLifecycleExchange(); err != nil {
		broker.Close()
		return nil, extErrors.Wrap(err, "Cannot declare exchange for lifecycle notifications")
	}

	return broker, nil
}

// consumers bind with patterns such as "subscription.status_changed" or "subscription.#"
func (a *AMQPBroker) setupLifecycleExchange() error {
	return a.channel.ExchangeDeclare(
		lifecycleExchange, // name
		"topic",           // type
		true,              // durable
		false,             // auto-deleted
		false,             // internal
		false,             // no-wait
		nil,               // arguments
	)
}

// Close will close the channel and connection to release resources
func (a *AMQPBroker) Close() {
	a.channel.Close()
	a.connection.Close()
}

// Publish implements Publisher
func (a *AMQPBroker) Publish(ctx context.Context, routingKey string, message proto.Message) error {
	protoBytes, err := proto.Marshal(message)
	if err != nil {
		return extErrors.Wrap(err, "Cannot encode message into bytes")
	}
	if err := a.channel.Publish(
		lifecycleExchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/x-protobuf",
			DeliveryMode: amqp.Persistent,
			MessageId:    uuid.New().String(),
			Type:         routingKey,
			Body:         protoBytes,
		},
	); err != nil {
		a.logger.Error("Unable to publish message",
			zap.String("RoutingKey", routingKey),
			zap.Error(err),
		)
		return extErrors.Wrap(err, "Cannot publish message")
	}
	return nil
}
