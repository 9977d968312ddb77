// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"

	democonfig "github.com/relabs-tech/fleetprovisioning/config"
	"github.com/relabs-tech/fleetprovisioning/core/csql"
	"github.com/relabs-tech/fleetprovisioning/core/logger"
	"github.com/relabs-tech/fleetprovisioning/iot/emulator"
)

// version is set at build time
var version = "dev"

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres password=docker dbname=postgres sslmode=disable"
// for a persistent registry, otherwise the registry is kept in memory.
type Service struct {
	LogLevel        string `env:"LOG_LEVEL,default=info" description:"the log level"`
	Postgres        string `env:"POSTGRES" description:"the connection string for the Postgres DB"`
	PostgresSchema  string `env:"POSTGRES_SCHEMA,default=emulator" description:"the database schema of the registry"`
	CACertFile      string `env:"CA_CERT_FILE" description:"the PEM certificate of the CA, a CA is generated when empty"`
	CAKeyFile       string `env:"CA_KEY_FILE" description:"the PEM private key of the CA"`
	CredentialsDir  string `env:"CREDENTIALS_DIR,default=." description:"directory for generated CA, server and claim credentials"`
	BrokerHosts     string `env:"BROKER_HOSTS,default=localhost" description:"comma separated host names of the broker certificate"`
	MQTTAddress     string `env:"MQTT_ADDRESS,default=:8883" description:"the listen address of the MQTT broker"`
	APIAddress      string `env:"API_ADDRESS,default=:3000" description:"the listen address of the admin API"`
	TemplateName    string `env:"TEMPLATE_NAME" description:"the provisioning template"`
	ThingNamePrefix string `env:"THING_NAME_PREFIX,default=FPDemoThing_" description:"prefix of generated thing names"`
	KafkaBrokers    string `env:"KAFKA_BROKERS" description:"comma separated Kafka brokers for the event sink"`
	KafkaTopic      string `env:"KAFKA_TOPIC,default=fleet-provisioning-events" description:"the Kafka topic of the event sink"`
	SQSQueueURL     string `env:"SQS_QUEUE_URL" description:"the SQS queue of the event sink"`
	JWTSecret       string `env:"JWT_SECRET" description:"enables HS256 bearer token authorization of the admin API"`
}

func splitList(s string) []string {
	result := []string{}
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			result = append(result, item)
		}
	}
	return result
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		panic(err)
	}
	if service.TemplateName == "" {
		service.TemplateName = democonfig.ProvisioningTemplateName
	}
	logger.InitLogger(logger.ParseLevel(service.LogLevel), "")

	if err := run(service); err != nil {
		logger.Default().WithError(err).Errorln("provisioning emulator failed")
		os.Exit(1)
	}
}

// run serves the broker and the admin API until the process is interrupted
func run(service *Service) error {
	rlog := logger.Default()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ca, err := loadOrCreateCA(service)
	if err != nil {
		return fmt.Errorf("cannot load CA: %w", err)
	}
	serverCert, err := issueCredentials(service, ca)
	if err != nil {
		return fmt.Errorf("cannot issue credentials: %w", err)
	}

	var registry emulator.Registry = emulator.NewMemoryRegistry()
	if service.Postgres != "" {
		db, err := csql.Open(service.Postgres, service.PostgresSchema)
		if err != nil {
			return fmt.Errorf("cannot open database: %w", err)
		}
		defer db.Close()
		if registry, err = emulator.NewPostgresRegistry(ctx, db); err != nil {
			return fmt.Errorf("cannot create registry: %w", err)
		}
	}

	sink := emulator.MultiSink{emulator.LogSink{}}
	defer func() { sink.Close() }()
	if brokers := splitList(service.KafkaBrokers); len(brokers) > 0 {
		sink = append(sink, emulator.NewKafkaSink(brokers, service.KafkaTopic))
	}
	if service.SQSQueueURL != "" {
		cfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return fmt.Errorf("cannot load AWS configuration: %w", err)
		}
		sink = append(sink, emulator.NewSQSSink(sqs.NewFromConfig(cfg), service.SQSQueueURL))
	}

	svc := emulator.MustNewService(&emulator.ServiceBuilder{
		CA:       ca,
		Registry: registry,
		Sink:     sink,
		Templates: []emulator.Template{{
			Name:            service.TemplateName,
			ThingNamePrefix: service.ThingNamePrefix,
		}},
	})

	broker := emulator.MustNewBroker(&emulator.BrokerBuilder{
		Service:           svc,
		CA:                ca,
		ServerCertificate: serverCert,
		Address:           service.MQTTAddress,
	})

	router := mux.NewRouter()
	logger.AddRequestID(router)
	emulator.MustNewAPI(&emulator.APIBuilder{
		Registry:  registry,
		Router:    router,
		JWTSecret: []byte(service.JWTSecret),
		Version:   version,
	})
	server := &http.Server{
		Addr:              service.APIAddress,
		Handler:           handlers.LoggingHandler(rlog.Writer(), router),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		rlog.Infoln("listen on", service.APIAddress)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rlog.WithError(err).Errorln("admin API stopped")
		}
	}()

	brokerErr := broker.Run(ctx)
	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdown); err != nil {
		rlog.WithError(err).Errorln("admin API shutdown")
	}
	if brokerErr != nil {
		return fmt.Errorf("broker stop: %w", brokerErr)
	}
	return nil
}

func loadOrCreateCA(service *Service) (*emulator.CA, error) {
	if service.CACertFile != "" {
		return emulator.LoadCA(service.CACertFile, service.CAKeyFile)
	}
	ca, err := emulator.NewCA("fleet provisioning emulator CA")
	if err != nil {
		return nil, err
	}
	key, err := ca.KeyPEM()
	if err != nil {
		return nil, err
	}
	if err := writeFile(service.CredentialsDir, "ca.crt", ca.CertificatePEM()); err != nil {
		return nil, err
	}
	return ca, writeFile(service.CredentialsDir, "ca.key", key)
}

// issueCredentials issues the broker certificate and a claim certificate for devices. The claim
// credentials are written to the credentials directory.
func issueCredentials(service *Service, ca *emulator.CA) (tls.Certificate, error) {
	server, serverKey, err := ca.IssueKeyPair("fleet provisioning emulator", true, splitList(service.BrokerHosts)...)
	if err != nil {
		return tls.Certificate{}, err
	}
	claim, claimKey, err := ca.IssueKeyPair("claim", false)
	if err != nil {
		return tls.Certificate{}, err
	}
	if err := writeFile(service.CredentialsDir, "claim.pem.crt", claim.CertificatePEM); err != nil {
		return tls.Certificate{}, err
	}
	if err := writeFile(service.CredentialsDir, "claim.private.pem.key", claimKey); err != nil {
		return tls.Certificate{}, err
	}
	logger.Default().Infoln("claim credentials written to", service.CredentialsDir)
	return tls.X509KeyPair(server.CertificatePEM, serverKey)
}

func writeFile(dir, name string, data []byte) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, name), data, 0o600)
}
