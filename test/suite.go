// Package test runs the device manager against Postgres and Kafka containers.
//
// The tests need docker and only run with INTEGRATION_TESTS=1.
package test

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/relabs-tech/devicemanager/core/blobstore"
	"github.com/relabs-tech/devicemanager/core/client"
	"github.com/relabs-tech/devicemanager/portal/service"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// IntegrationTestSuite starts Postgres and Kafka and a device manager using both
type IntegrationTestSuite struct {
	suite.Suite

	service *service.Service
	config  service.Config
	client  client.Client

	network            testcontainers.Network
	zookeeperContainer testcontainers.Container
	kafkaContainer     testcontainers.Container
	postgresContainer  testcontainers.Container
	kafkaConn          *kafka.Conn
	kafkaAddr          string
}

func (s *IntegrationTestSuite) createTopic(topic string, numPartitions int) error {
	if s.kafkaConn == nil {
		return fmt.Errorf("kafka connection is not established")
	}
	err := s.kafkaConn.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     numPartitions,
		ReplicationFactor: 1,
	})
	if err != nil {
		return fmt.Errorf("failed to create topic %s: %w", topic, err)
	}
	return nil
}

func (s *IntegrationTestSuite) deleteTopic(topic string) error {
	if s.kafkaConn == nil {
		return fmt.Errorf("kafka connection is not established")
	}
	if err := s.kafkaConn.DeleteTopics(topic); err != nil {
		return fmt.Errorf("failed to delete topic %s: %w", topic, err)
	}
	return nil
}

// newService creates another device manager on the same database
func (s *IntegrationTestSuite) newService() *service.Service {
	svc, err := service.New(context.Background(), s.config)
	s.Require().NoError(err)
	return svc
}

func (s *IntegrationTestSuite) SetupSuite() {
	if os.Getenv("INTEGRATION_TESTS") == "" {
		s.T().Skip("set INTEGRATION_TESTS to run the integration tests")
	}
	ctx := context.Background()

	networkName := "test-devicemanager-network_" + fmt.Sprintf("%d", time.Now().Unix())
	network, err := testcontainers.GenericNetwork(ctx, testcontainers.GenericNetworkRequest{
		NetworkRequest: testcontainers.NetworkRequest{
			Name:           networkName,
			CheckDuplicate: true,
		},
	})
	s.Require().NoError(err)
	s.network = network

	postgresUser := "testuser"
	postgresPassword := "testpass"
	postgresDB := "testdb"
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:15",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     postgresUser,
				"POSTGRES_PASSWORD": postgresPassword,
				"POSTGRES_DB":       postgresDB,
			},
			Networks:       []string{networkName},
			NetworkAliases: map[string][]string{networkName: {"postgres"}},
			WaitingFor:     wait.ForListeningPort("5432/tcp"),
		},
		Started: true,
	})
	s.Require().NoError(err)
	s.postgresContainer = pgC
	pgHost, err := pgC.Host(ctx)
	s.Require().NoError(err)
	pgPort, err := pgC.MappedPort(ctx, "5432")
	s.Require().NoError(err)

	zooC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "confluentinc/cp-zookeeper:7.5.0",
			ExposedPorts: []string{"2181/tcp"},
			Env: map[string]string{
				"ZOOKEEPER_CLIENT_PORT": "2181",
				"ZOOKEEPER_TICK_TIME":   "2000",
			},
			WaitingFor:     wait.ForListeningPort("2181/tcp"),
			Networks:       []string{networkName},
			NetworkAliases: map[string][]string{networkName: {"zookeeper"}},
		},
		Started: true,
	})
	s.Require().NoError(err)
	s.zookeeperContainer = zooC

	kafkaC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "confluentinc/cp-kafka:7.5.0",
			ExposedPorts: []string{"9092:9092/tcp", "29092:29092/tcp"},
			Env: map[string]string{
				"KAFKA_BROKER_ID":                        "1",
				"KAFKA_ZOOKEEPER_CONNECT":                "zookeeper:2181",
				"KAFKA_LISTENERS":                        "PLAINTEXT://0.0.0.0:9092,PLAINTEXT_HOST://0.0.0.0:29092,EXTERNAL://0.0.0.0:9093",
				"KAFKA_ADVERTISED_LISTENERS":             "PLAINTEXT://localhost:9092,PLAINTEXT_HOST://localhost:29092,EXTERNAL://kafka:9093",
				"KAFKA_LISTENER_SECURITY_PROTOCOL_MAP":   "PLAINTEXT:PLAINTEXT,PLAINTEXT_HOST:PLAINTEXT,EXTERNAL:PLAINTEXT",
				"KAFKA_OFFSETS_TOPIC_REPLICATION_FACTOR": "1",
				"ALLOW_PLAINTEXT_LISTENER":               "yes",
			},
			WaitingFor:     wait.ForLog("started (kafka.server.KafkaServer)"),
			Networks:       []string{networkName},
			NetworkAliases: map[string][]string{networkName: {"kafka"}},
		},
		Started: true,
	})
	s.Require().NoError(err)
	s.kafkaContainer = kafkaC
	kafkaHost, err := kafkaC.Host(ctx)
	s.Require().NoError(err)
	kafkaPort, err := kafkaC.MappedPort(ctx, "9092")
	s.Require().NoError(err)
	s.kafkaAddr = fmt.Sprintf("%s:%s", kafkaHost, kafkaPort.Port())
	s.kafkaConn, err = kafka.Dial("tcp", s.kafkaAddr)
	s.Require().NoError(err)

	s.config = service.Config{
		Postgres: fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=disable",
			pgHost, pgPort.Port(), postgresUser, postgresDB),
		PostgresPassword:    postgresPassword,
		Schema:              "devicemanager_test",
		PublicURL:           "http://localhost:3000",
		BlobDriver:          blobstore.DriverTypeLocal,
		BlobFolder:          s.T().TempDir(),
		KafkaBrokers:        s.kafkaAddr,
		JobConcurrency:      2,
		DeviceConcurrency:   2,
		DeviceRatePerSecond: 100,
	}
	s.service = s.newService()
	s.client = client.NewWithRouter(s.service.Router)
}

func (s *IntegrationTestSuite) TearDownSuite() {
	ctx := context.Background()
	if s.service != nil {
		s.service.DB.ClearSchema()
		s.service.Close()
	}
	if s.kafkaConn != nil {
		s.kafkaConn.Close()
	}
	for _, c := range []testcontainers.Container{s.kafkaContainer, s.zookeeperContainer, s.postgresContainer} {
		if c != nil {
			s.Require().NoError(c.Terminate(ctx))
		}
	}
	if s.network != nil {
		s.network.Remove(ctx)
	}
}
