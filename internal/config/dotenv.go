package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// ReadAWSEnvFile reads AWS credentials from a dotenv file with the standard
// AWS_* variable names. AWS_DEFAULT_REGION wins over AWS_REGION.
func ReadAWSEnvFile(path string) (AWSConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")

	if err := v.ReadInConfig(); err != nil {
		return AWSConfig{}, fmt.Errorf("failed to read env file: %w", err)
	}

	aws := AWSConfig{
		AccessKeyID:     v.GetString("aws_access_key_id"),
		SecretAccessKey: v.GetString("aws_secret_access_key"),
		SessionToken:    v.GetString("aws_session_token"),
		Region:          v.GetString("aws_default_region"),
	}
	if aws.Region == "" {
		aws.Region = v.GetString("aws_region")
	}

	if err := NewValidator().ValidateAWSCredentials(aws); err != nil {
		return AWSConfig{}, fmt.Errorf("%s: %w", path, err)
	}
	return aws, nil
}
