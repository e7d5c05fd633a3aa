// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package service wires the device manager together from its configuration.
//
// Without POSTGRES, all state is kept in memory. This is meant for local development
// and tests, nothing survives a restart.
package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/relabs-tech/devicemanager/core/access"
	"github.com/relabs-tech/devicemanager/core/blobstore"
	"github.com/relabs-tech/devicemanager/core/csql"
	"github.com/relabs-tech/devicemanager/core/docstore"
	"github.com/relabs-tech/devicemanager/core/jobs"
	"github.com/relabs-tech/devicemanager/core/logger"
	"github.com/relabs-tech/devicemanager/core/metrics"
	"github.com/relabs-tech/devicemanager/core/registry"
	"github.com/relabs-tech/devicemanager/core/tablestore"
	"github.com/relabs-tech/devicemanager/iot/actions"
	"github.com/relabs-tech/devicemanager/iot/credentials"
	"github.com/relabs-tech/devicemanager/iot/devicejobs"
	"github.com/relabs-tech/devicemanager/iot/devices"
	"github.com/relabs-tech/devicemanager/iot/filters"
	"github.com/relabs-tech/devicemanager/iot/identity"
	"github.com/relabs-tech/devicemanager/iot/mqtt"
	"github.com/relabs-tech/devicemanager/iot/rules"
	"github.com/relabs-tech/devicemanager/iot/telemetry"
	"github.com/relabs-tech/devicemanager/portal/api"
	"github.com/relabs-tech/devicemanager/portal/web"
)

// Config holds the configuration of the device manager
//
// use POSTGRES="host=localhost port=5432 user=postgres dbname=postgres sslmode=disable"
// and POSTGRES_PASSWORD="docker"
type Config struct {
	Postgres         string `env:"POSTGRES,optional" description:"the connection string for the Postgres DB without password. Without, all data is kept in memory"`
	PostgresPassword string `env:"POSTGRES_PASSWORD,optional" description:"password to the Postgres DB"`
	Schema           string `env:"SCHEMA,optional,default=devicemanager" description:"the database schema"`
	LogLevel         string `env:"LOG_LEVEL,optional,default=info" description:"the log level: panic, fatal, error, warn, info, debug, trace"`

	Port      int    `env:"PORT,optional,default=3000" description:"the port of the portal"`
	PublicURL string `env:"PUBLIC_URL,optional,default=http://localhost:3000" description:"the URL the portal is reachable under"`

	AuthorizationEnabled bool   `env:"AUTHORIZATION_ENABLED,optional,default=true" description:"require bearer tokens. Disabled, every request is an admin request"`
	JWTSecret            string `env:"JWT_SECRET,optional" description:"the HMAC secret of bearer tokens"`
	JWTIssuer            string `env:"JWT_ISSUER,optional" description:"the accepted token issuer, empty accepts any"`
	ServiceToken         string `env:"SERVICE_TOKEN,optional" description:"a static bearer token with admin role for service jobs"`
	Admins               string `env:"ADMINS,optional" description:"comma separated identities which get the admin role"`

	BlobDriver blobstore.DriverType `env:"BLOB_DRIVER,optional,default=local" description:"the blob store: local or s3"`
	BlobFolder string               `env:"BLOB_FOLDER,optional,default=blobs" description:"the folder of the local blob store"`
	blobstore.S3Credentials
	AWSRegion            string `env:"AWS_REGION,optional,default=eu-central-1" description:"the AWS region"`
	AWSBucketName        string `env:"AWS_BUCKET_NAME,optional" description:"the S3 bucket of the blob store"`
	AWSKeyPrefix         string `env:"AWS_KEY_PREFIX,optional" description:"prefix of all blob keys in the bucket"`
	SQSNotificationQueue string `env:"AWS_SQS_NOTIFICATION_QUEUE,optional" description:"the SQS queue receiving the bucket's upload notifications"`
	SQSActionsEnabled    bool   `env:"AWS_SQS_ACTIONS,optional,default=false" description:"deliver sqs actions"`

	InfluxURL    string `env:"INFLUX_URL,optional" description:"the InfluxDB URL. Without, telemetry is kept in memory"`
	InfluxToken  string `env:"INFLUX_TOKEN,optional" description:"the InfluxDB token"`
	InfluxOrg    string `env:"INFLUX_ORG,optional,default=devicemanager" description:"the InfluxDB organization"`
	InfluxBucket string `env:"INFLUX_BUCKET,optional,default=telemetry" description:"the InfluxDB bucket"`

	KafkaBrokers string `env:"KAFKA_BROKERS,optional" description:"comma separated Kafka brokers for kafka actions"`

	MQTTEnabled    bool   `env:"MQTT_ENABLED,optional,default=true" description:"run the device broker"`
	MQTTAddress    string `env:"MQTT_ADDRESS,optional,default=:8883" description:"the listen address of the device broker"`
	MQTTCACertFile string `env:"MQTT_CA_CERT,optional" description:"CA certificate for device client certificates"`
	MQTTCertFile   string `env:"MQTT_CERT,optional" description:"the broker's certificate"`
	MQTTKeyFile    string `env:"MQTT_KEY,optional" description:"the broker's private key"`

	CACertFile string `env:"CA_CERT,optional" description:"CA certificate which signs issued device certificates"`
	CAKeyFile  string `env:"CA_KEY,optional" description:"private key of CA_CERT"`

	JobConcurrency      int           `env:"JOB_CONCURRENCY,optional,default=4" description:"concurrent job workers"`
	JobHeartbeat        time.Duration `env:"JOB_HEARTBEAT,optional,default=1m" description:"interval for scheduled jobs and retries"`
	DeviceConcurrency   int           `env:"DEVICE_JOB_CONCURRENCY,optional,default=8" description:"devices processed in parallel by a device job"`
	DeviceRatePerSecond float64       `env:"DEVICE_JOB_RATE,optional,default=50" description:"device operations per second of a device job"`
}

// Service is the wired device manager
type Service struct {
	Config Config
	Router *mux.Router

	DB        *csql.DB
	Queue     jobs.Processor
	Blobs     blobstore.Driver
	Registry  registry.Registry
	Accounts  *access.Accounts
	Metrics   *metrics.Metrics
	Devices   *devices.Logic
	Filters   *filters.Store
	Rules     *rules.Logic
	Actions   *actions.Logic
	Telemetry *telemetry.Logic
	Jobs      *devicejobs.Logic
	Broker    *mqtt.Broker

	closers []func()
}

// New creates the service. Call Close to release its connections.
func New(ctx context.Context, config Config) (s *Service, err error) {
	rlog := logger.FromContext(ctx)
	s = &Service{Config: config, Router: mux.NewRouter(), Metrics: metrics.New()}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	tables := tablestore.NewMemoryFactory()
	documents := docstore.NewMemoryFactory()
	if config.Postgres != "" {
		s.DB = csql.OpenWithSchema(config.Postgres, config.PostgresPassword, config.Schema)
		s.closers = append(s.closers, func() { s.DB.Close() })
		tables = tablestore.PostgresFactory(s.DB)
		documents = docstore.PostgresFactory(s.DB)
		s.Queue = jobs.NewPostgres(&jobs.Builder{DB: s.DB, Concurrency: config.JobConcurrency, UpdateSchema: true})
	} else {
		rlog.Warnln("no POSTGRES configured, all data is kept in memory")
		s.Queue = jobs.NewMemory(config.JobConcurrency)
	}

	table := func(name string) tablestore.Table {
		if err != nil {
			return nil
		}
		var t tablestore.Table
		t, err = tables(name)
		return t
	}
	collection := func(name string) docstore.Store {
		if err != nil {
			return nil
		}
		var d docstore.Store
		d, err = documents(name)
		return d
	}

	registryTable := table(registry.TableName)
	identityTable := table(identity.TableName)
	deviceDocuments := collection(devices.Collection)
	filterDocuments := collection(filters.Collection)
	namesTable := table(filters.NamesTableName)
	suggestionsTable := table(filters.SuggestionsTableName)
	rulesTable := table(rules.TableName)
	actionsTable := table(actions.TableName)
	alertsTable := table(telemetry.AlertsTableName)
	jobsTable := table(devicejobs.JobsTableName)
	resultsTable := table(devicejobs.ResultsTableName)
	if err != nil {
		return nil, fmt.Errorf("cannot create tables: %w", err)
	}

	identities := identity.New(identityTable)
	s.Registry = registry.New(registryTable)
	s.Accounts = access.NewAccounts(s.Registry)
	if config.Admins != "" {
		var admins []access.Account
		for _, admin := range splitList(config.Admins) {
			admins = append(admins, access.Account{Identity: admin, Roles: []string{access.RoleAdmin}})
		}
		if err = s.Accounts.EnsureAccounts(ctx, admins...); err != nil {
			return nil, fmt.Errorf("cannot create admin accounts: %w", err)
		}
	}

	if s.Blobs, err = s.createBlobs(ctx); err != nil {
		return nil, err
	}

	s.Filters = filters.New(&filters.Builder{
		Documents:   filterDocuments,
		Names:       namesTable,
		Suggestions: suggestionsTable,
	})
	s.Devices = devices.New(&devices.Builder{
		Identities: identities,
		Documents:  deviceDocuments,
		Names:      s.Filters,
	})
	s.Rules = rules.New(&rules.Builder{Table: rulesTable, Blobs: s.Blobs})

	senders, err := s.createSenders(ctx)
	if err != nil {
		return nil, err
	}
	s.Actions = actions.New(&actions.Builder{
		Table:   actionsTable,
		Blobs:   s.Blobs,
		Rules:   s.Rules,
		Senders: senders,
	})
	s.Actions.HandleJobs(s.Queue)
	if err = s.Actions.EnsureDefaultActions(ctx); err != nil {
		return nil, fmt.Errorf("cannot create default actions: %w", err)
	}
	s.Blobs.WithCallBack(s.blobUpdated)

	store, err := s.createTelemetryStore(ctx)
	if err != nil {
		return nil, err
	}
	s.Telemetry = telemetry.New(&telemetry.Builder{
		Store:   store,
		Alerts:  alertsTable,
		Devices: s.Devices,
		Rules:   s.Rules,
		Actions: s.Actions,
		Queue:   s.Queue,
		Metrics: s.Metrics,
	})

	s.Jobs = devicejobs.New(&devicejobs.Builder{
		Jobs:          jobsTable,
		Results:       resultsTable,
		Devices:       s.Devices,
		Filters:       s.Filters,
		Queue:         s.Queue,
		Metrics:       s.Metrics,
		Concurrency:   config.DeviceConcurrency,
		RatePerSecond: config.DeviceRatePerSecond,
	})

	if config.MQTTEnabled {
		s.Broker, err = mqtt.NewBroker(&mqtt.Builder{
			Identities: identities,
			Devices:    s.Devices,
			Telemetry: mqtt.TelemetryIngesterFunc(func(ctx context.Context, deviceID string, payload []byte) error {
				_, err := s.Telemetry.Ingest(ctx, deviceID, payload)
				return err
			}),
			Metrics:    s.Metrics,
			Address:    config.MQTTAddress,
			CACertFile: config.MQTTCACertFile,
			CertFile:   config.MQTTCertFile,
			KeyFile:    config.MQTTKeyFile,
		})
		if err != nil {
			return nil, fmt.Errorf("cannot create device broker: %w", err)
		}
		s.Devices.SetMessenger(s.Broker.Hub())
	}

	var issuer *credentials.Issuer
	if config.CACertFile != "" && config.CAKeyFile != "" {
		issuer, err = credentials.NewIssuer(&credentials.Builder{CACertFile: config.CACertFile, CAKeyFile: config.CAKeyFile})
		if err != nil {
			return nil, fmt.Errorf("cannot load certificate authority: %w", err)
		}
	}

	if err = s.addMiddlewares(); err != nil {
		return nil, err
	}
	api.New(&api.Builder{
		Router:               s.Router,
		Devices:              s.Devices,
		Filters:              s.Filters,
		Rules:                s.Rules,
		Actions:              s.Actions,
		Telemetry:            s.Telemetry,
		Jobs:                 s.Jobs,
		Registry:             &s.Registry,
		Credentials:          issuer,
		Queue:                s.Queue,
		Metrics:              s.Metrics,
		AuthorizationEnabled: config.AuthorizationEnabled,
	})
	web.New(&web.Builder{
		Router:    s.Router,
		Devices:   s.Devices,
		Rules:     s.Rules,
		Actions:   s.Actions,
		Telemetry: s.Telemetry,
		Jobs:      s.Jobs,
		Registry:  &s.Registry,
	})
	return s, nil
}

func (s *Service) createBlobs(ctx context.Context) (blobstore.Driver, error) {
	switch s.Config.BlobDriver {
	case blobstore.DriverTypeLocal:
		publicURL, err := url.Parse(s.Config.PublicURL)
		if err != nil {
			return nil, fmt.Errorf("invalid PUBLIC_URL: %w", err)
		}
		return blobstore.NewLocalFilesystem(s.Router, s.Config.BlobFolder, *publicURL, nil)
	case blobstore.DriverTypeAWSS3:
		blobs, err := blobstore.NewS3(blobstore.S3Configuration{
			AccessID:             s.Config.AccessID,
			AccessKey:            s.Config.AccessKey,
			AWSBucketName:        s.Config.AWSBucketName,
			AWSRegion:            s.Config.AWSRegion,
			KeyPrefix:            s.Config.AWSKeyPrefix,
			SQSNotificationQueue: s.Config.SQSNotificationQueue,
		})
		if err != nil {
			return nil, fmt.Errorf("cannot create S3 blob store: %w", err)
		}
		s.closers = append(s.closers, blobs.Close)
		return blobs, nil
	}
	return nil, fmt.Errorf("unknown BLOB_DRIVER '%s'", s.Config.BlobDriver)
}

func (s *Service) createSenders(ctx context.Context) (map[string]actions.Sender, error) {
	senders := map[string]actions.Sender{
		actions.KindHTTP: actions.NewHTTPSender(actions.DefaultHTTPTimeout),
	}
	if s.Config.SQSActionsEnabled {
		awsConfig, err := blobstore.AWSConfig(ctx, s.Config.AWSRegion, s.Config.AccessID, s.Config.AccessKey)
		if err != nil {
			return nil, fmt.Errorf("cannot load AWS configuration: %w", err)
		}
		senders[actions.KindSQS] = actions.NewSQSSenderFromConfig(awsConfig)
	}
	if brokers := splitList(s.Config.KafkaBrokers); len(brokers) > 0 {
		kafka := actions.NewKafkaSender(brokers)
		s.closers = append(s.closers, func() {
			if err := kafka.Close(); err != nil {
				logger.Default().WithError(err).Errorln("cannot close kafka writer")
			}
		})
		senders[actions.KindKafka] = kafka
	}
	return senders, nil
}

func (s *Service) createTelemetryStore(ctx context.Context) (telemetry.Store, error) {
	if s.Config.InfluxURL == "" {
		logger.FromContext(ctx).Warnln("no INFLUX_URL configured, telemetry is kept in memory")
		return telemetry.NewMemory(), nil
	}
	influx, err := telemetry.NewInflux(ctx, &telemetry.InfluxBuilder{
		URL:    s.Config.InfluxURL,
		Token:  s.Config.InfluxToken,
		Org:    s.Config.InfluxOrg,
		Bucket: s.Config.InfluxBucket,
	})
	if err != nil {
		return nil, fmt.Errorf("cannot connect to InfluxDB: %w", err)
	}
	s.closers = append(s.closers, influx.Close)
	return influx, nil
}

// blobUpdated checks action mappings which were uploaded directly to the blob store
func (s *Service) blobUpdated(event blobstore.FileUpdatedEvent) error {
	rlog := logger.Default().WithField("key", event.Key)
	rlog.Debugf("blob %s: %d bytes", event.Type, event.Size)
	if event.Key != actions.MappingsKey {
		return nil
	}
	if _, err := s.Actions.GetAllMappings(context.Background()); err != nil {
		rlog.WithError(err).Errorln("uploaded action mappings are invalid")
	}
	return nil
}

func (s *Service) addMiddlewares() error {
	logger.AddRequestID(s.Router)
	s.Router.Use(api.CORSMiddleware())
	s.Router.Use(api.CompressionMiddleware())
	if s.Config.ServiceToken != "" {
		s.Router.Use(access.NewBackdoorMiddleware(&access.BackdoorMiddlewareBuilder{
			Backdoors: map[string]access.Authorization{
				s.Config.ServiceToken: {Identity: "service", Roles: []string{access.RoleAdmin}},
			},
		}))
	}
	if !s.Config.AuthorizationEnabled {
		logger.Default().Warnln("authorization is disabled, every request has admin rights")
		s.Router.Use(access.NewAuthorizationDisabledMiddleware())
		return nil
	}
	if s.Config.JWTSecret == "" {
		return errors.New("AUTHORIZATION_ENABLED requires JWT_SECRET")
	}
	s.Router.Use(access.NewJwtMiddleware(&access.JwtMiddlewareBuilder{
		Secret:   []byte(s.Config.JWTSecret),
		Issuer:   s.Config.JWTIssuer,
		Accounts: s.Accounts,
	}))
	return nil
}

// Serve processes jobs, serves the portal and runs the device broker. It blocks
// until ctx is done or the portal fails.
func (s *Service) Serve(ctx context.Context) error {
	s.Queue.ProcessJobsAsync(s.Config.JobHeartbeat)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.Config.Port))
	if err != nil {
		return fmt.Errorf("cannot listen: %w", err)
	}
	logger.Default().Infoln("listen on", listener.Addr())
	server := &http.Server{Handler: s.Router}
	served := make(chan error, 1)
	go func() {
		served <- server.Serve(listener)
	}()

	if s.Broker != nil {
		s.Broker.Run()
	}

	select {
	case <-ctx.Done():
		logger.Default().Infoln("shutting down portal")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-served:
		return fmt.Errorf("portal stopped: %w", err)
	}
}

// Close stops the broker and closes all connections
func (s *Service) Close() {
	if s.Broker != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		s.Broker.Stop(ctx)
		cancel()
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

func splitList(list string) []string {
	var result []string
	for _, item := range strings.Split(list, ",") {
		if item = strings.TrimSpace(item); item != "" {
			result = append(result, item)
		}
	}
	return result
}
