package loader

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
	"github.com/xdg-go/scram"

	"github.com/GeRDI-Project/harvester-go/internal/metrics"
	"github.com/GeRDI-Project/harvester-go/internal/pipeline"
	"github.com/GeRDI-Project/harvester-go/pkg/harvesterrors"
	"github.com/GeRDI-Project/harvester-go/pkg/types"
)

// StreamLoader is an additive loader adapter: instead of batching and
// flushing, it produces one Kafka message per document as it is pulled
// from the stream, for deployments that want documents to land on a
// topic rather than a file or a bulk endpoint.
//
// Grounded on the teacher's kafka_sink.go (sarama producer setup, SCRAM
// SASL via kafka_scram.go's XDGSCRAMClient) adapted from its async
// producer plus internal queue into a synchronous producer driven
// directly by the pull loop — a harvest run has no long-lived queue to
// manage, just a bounded sequence of documents to hand to Kafka.
type StreamLoader struct {
	log *logrus.Entry

	Brokers  []string
	Topic    string
	SASLUser string
	SASLPass string

	mu           sync.Mutex
	producer     sarama.SyncProducer
	loaded       int
	pipelineName string
}

// NewStreamLoader constructs a StreamLoader targeting topic on brokers.
// SASL credentials are optional; when set, SCRAM-SHA-512 is used.
func NewStreamLoader(brokers []string, topic string, logger *logrus.Logger) *StreamLoader {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &StreamLoader{log: logger.WithField("loader", "stream"), Brokers: brokers, Topic: topic}
}

var sha512HashGenerator scram.HashGeneratorFcn = sha512.New
var sha256HashGenerator scram.HashGeneratorFcn = sha256.New

type scramClient struct {
	*scram.Client
	*scram.ClientConversation
	scram.HashGeneratorFcn
}

func (c *scramClient) Begin(userName, password, authzID string) (err error) {
	c.Client, err = c.HashGeneratorFcn.NewClient(userName, password, authzID)
	if err != nil {
		return err
	}
	c.ClientConversation = c.Client.NewConversation()
	return nil
}

func (c *scramClient) Step(challenge string) (string, error) { return c.ClientConversation.Step(challenge) }
func (c *scramClient) Done() bool                            { return c.ClientConversation.Done() }

func (l *StreamLoader) Init(ctx context.Context, cfg pipeline.LoaderInit) error {
	if len(l.Brokers) == 0 || l.Topic == "" {
		return &harvesterrors.ConfigError{Key: "brokers/topic", Message: "stream loader requires brokers and a topic"}
	}

	saramaCfg := sarama.NewConfig()
	saramaCfg.Producer.Return.Successes = true
	saramaCfg.Producer.RequiredAcks = sarama.WaitForLocal

	if l.SASLUser != "" {
		saramaCfg.Net.SASL.Enable = true
		saramaCfg.Net.SASL.User = l.SASLUser
		saramaCfg.Net.SASL.Password = l.SASLPass
		saramaCfg.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
		saramaCfg.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
			return &scramClient{HashGeneratorFcn: sha512HashGenerator}
		}
	}

	producer, err := sarama.NewSyncProducer(l.Brokers, saramaCfg)
	if err != nil {
		metrics.RecordLoaderError(cfg.PipelineName, "stream")
		return &harvesterrors.LoaderException{Adapter: "stream", Cause: err}
	}

	l.mu.Lock()
	l.producer = producer
	l.loaded = 0
	l.pipelineName = cfg.PipelineName
	l.mu.Unlock()
	return nil
}

func (l *StreamLoader) Load(ctx context.Context, stream pipeline.DocumentStream) (int, error) {
	for {
		if err := ctx.Err(); err != nil {
			return l.currentLoaded(), err
		}

		doc, err := stream.Next(ctx)
		if errors.Is(err, pipeline.ErrSourceExhausted) {
			break
		}
		if err != nil {
			return l.currentLoaded(), err
		}
		if doc == nil {
			continue
		}
		if err := l.produce(doc); err != nil {
			metrics.RecordLoaderError(l.currentPipelineName(), "stream")
			return l.currentLoaded(), &harvesterrors.LoaderException{Adapter: "stream", Cause: err}
		}
		metrics.RecordBatchFlush(l.currentPipelineName(), "stream", "message")
		l.mu.Lock()
		l.loaded++
		l.mu.Unlock()
	}
	return l.currentLoaded(), nil
}

func (l *StreamLoader) produce(doc *types.Document) error {
	body := doc.Payload
	if len(body) == 0 {
		var err error
		body, err = json.Marshal(doc.Fields)
		if err != nil {
			return err
		}
	}

	l.mu.Lock()
	producer := l.producer
	topic := l.Topic
	l.mu.Unlock()

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(doc.SourceID),
		Value: sarama.ByteEncoder(body),
	}
	_, _, err := producer.SendMessage(msg)
	return err
}

func (l *StreamLoader) Clear(ctx context.Context) error {
	l.mu.Lock()
	producer := l.producer
	l.producer = nil
	l.mu.Unlock()

	if producer == nil {
		return nil
	}
	if err := producer.Close(); err != nil && !strings.Contains(err.Error(), "closed") {
		return &harvesterrors.LoaderException{Adapter: "stream", Cause: err}
	}
	return nil
}

func (l *StreamLoader) currentLoaded() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loaded
}

func (l *StreamLoader) currentPipelineName() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pipelineName
}
