// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/relabs-tech/fleetprovisioning/config"
	"github.com/relabs-tech/fleetprovisioning/core/logger"
	"github.com/relabs-tech/fleetprovisioning/device/certstore"
	"github.com/relabs-tech/fleetprovisioning/device/demo"
)

var (
	profile         string
	storeDriver     string
	storePath       string
	s3Bucket        string
	s3Region        string
	s3Prefix        string
	s3Endpoint      string
	responseTimeout time.Duration
	forceReport     bool
	interval        time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "fleet-provisioning-demo",
	Short: "Fleet provisioning by claim with a certificate signing request",
	Long: `Runs the fleet provisioning demo against AWS IoT or a compatible broker.

The device connects with its claim certificate, requests a certificate for a locally
generated key, registers itself with the provisioning template, reconnects with the new
identity and publishes a device defender metrics report.

A profile must be selected with --profile or DEMO_PROFILE. All settings can be
overridden with environment variables, see the settings command.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		s, err := config.Load(config.Profile(profile))
		if err != nil {
			return err
		}
		settings = s
		logger.InitLogger(logger.ParseLevel(s.LogLevel), config.LibraryLogName)
		return nil
	},
}

var settings *config.Settings

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Provision the device and publish a metrics report",
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := options(cmd.Context())
		if err != nil {
			return err
		}
		o.Report = forceReport
		result, err := demo.Run(cmd.Context(), o)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "thing %s certificate %s report %d\n", result.ThingName, result.CertificateID, result.ReportID)
		return nil
	},
}

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Provision the device and store its identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := options(cmd.Context())
		if err != nil {
			return err
		}
		result, err := demo.Provision(cmd.Context(), o)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "thing %s certificate %s\n", result.ThingName, result.CertificateID)
		return nil
	},
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Publish metrics reports with the stored identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := options(cmd.Context())
		if err != nil {
			return err
		}
		if interval > 0 {
			return demo.Monitor(cmd.Context(), o, interval)
		}
		reportID, err := demo.Report(cmd.Context(), o)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "report %d accepted\n", reportID)
		return nil
	},
}

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Print the effective settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := json.MarshalIndent(settings, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(body))
		return nil
	},
}

func options(ctx context.Context) (demo.Options, error) {
	c := certstore.Configuration{DriverType: certstore.DriverType(storeDriver)}
	switch c.DriverType {
	case certstore.DriverTypeLocal:
		c.LocalConfiguration = &certstore.LocalConfiguration{BasePath: storePath}
	case certstore.DriverTypeAWSS3:
		c.S3Configuration = &certstore.S3Configuration{
			AccessID:      os.Getenv("AWS_ACCESS_KEY_ID"),
			AccessKey:     os.Getenv("AWS_SECRET_ACCESS_KEY"),
			AWSBucketName: s3Bucket,
			AWSRegion:     s3Region,
			KeyPrefix:     s3Prefix,
			Endpoint:      s3Endpoint,
		}
	}
	store, err := certstore.New(ctx, c)
	if err != nil {
		return demo.Options{}, err
	}
	return demo.Options{
		Settings:        settings,
		Store:           store,
		ResponseTimeout: responseTimeout,
	}, nil
}

// Execute adds all child commands to the root command and runs it until SIGTERM.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", fmt.Sprintf("demo profile, one of %v (default $DEMO_PROFILE)", config.Profiles))
	rootCmd.PersistentFlags().StringVar(&storeDriver, "store", string(certstore.DriverTypeLocal), "certificate store driver, Local or AWSS3")
	rootCmd.PersistentFlags().StringVar(&storePath, "store-path", "credentials", "base directory of the Local certificate store")
	rootCmd.PersistentFlags().StringVar(&s3Bucket, "s3-bucket", "", "bucket of the AWSS3 certificate store")
	rootCmd.PersistentFlags().StringVar(&s3Region, "s3-region", "us-west-2", "region of the AWSS3 certificate store")
	rootCmd.PersistentFlags().StringVar(&s3Prefix, "s3-prefix", "", "key prefix of the AWSS3 certificate store")
	rootCmd.PersistentFlags().StringVar(&s3Endpoint, "s3-endpoint", "", "custom endpoint of an S3 compatible store")
	rootCmd.PersistentFlags().DurationVar(&responseTimeout, "timeout", 10*time.Second, "response timeout of the AWS IoT APIs")

	runCmd.Flags().BoolVar(&forceReport, "report", false, "publish a metrics report with the fleet-provisioning profile too")
	reportCmd.Flags().DurationVar(&interval, "interval", 0, "report periodically with this interval")

	rootCmd.AddCommand(runCmd, provisionCmd, reportCmd, settingsCmd)
}
