package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// LoadEnv pulls secrets from AWS Secrets Manager (if configured) and then
// loads local .env files, so containers source secrets securely while local
// development still works from a file.
func LoadEnv(log *zap.Logger, defaultEnvPath string) {
	if err := loadAWSSecretsIntoEnv(); err != nil {
		log.Warn("skipping AWS Secrets Manager load", zap.Error(err))
	}
	loadDotEnv(log, defaultEnvPath)
}

func loadDotEnv(log *zap.Logger, defaultEnvPath string) {
	envFile := os.Getenv("ENV_FILE_PATH")
	if envFile == "" {
		envFile = defaultEnvPath
	}

	if err := godotenv.Load(envFile); err != nil {
		if err := godotenv.Load(); err != nil {
			// Env is injected directly when running under an orchestrator.
			if os.Getenv("KUBERNETES_SERVICE_HOST") == "" {
				log.Debug("no .env file found, using system environment", zap.String("path", envFile))
			}
		}
	}
}

func loadAWSSecretsIntoEnv() error {
	secretID := os.Getenv("AWS_SECRETS_MANAGER_SECRET_ID")
	if secretID == "" {
		return nil
	}

	region := os.Getenv("AWS_SECRETS_MANAGER_REGION")
	versionStage := os.Getenv("AWS_SECRETS_MANAGER_VERSION_STAGE")
	if versionStage == "" {
		versionStage = "AWSCURRENT"
	}
	overwrite := strings.EqualFold(os.Getenv("AWS_SECRETS_MANAGER_OVERWRITE"), "true")

	ctx := context.Background()
	var optFns []func(*awsconfig.LoadOptions) error
	if region != "" {
		optFns = append(optFns, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return fmt.Errorf("loading AWS config: %w", err)
	}

	client := secretsmanager.NewFromConfig(cfg)
	output, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId:     aws.String(secretID),
		VersionStage: aws.String(versionStage),
	})
	if err != nil {
		return fmt.Errorf("fetching secret %s: %w", secretID, err)
	}

	payload := ""
	if output.SecretString != nil {
		payload = *output.SecretString
	}
	if payload == "" {
		return fmt.Errorf("secret %s has no string payload", secretID)
	}

	var values map[string]string
	if err := json.Unmarshal([]byte(payload), &values); err != nil {
		return fmt.Errorf("secret %s is not a flat JSON object: %w", secretID, err)
	}

	for key, value := range values {
		if !overwrite && os.Getenv(key) != "" {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("setting %s from secret: %w", key, err)
		}
	}
	return nil
}
