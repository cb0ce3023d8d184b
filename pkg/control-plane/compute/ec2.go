/*
Copyright The Diogenes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package compute

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"k8s.io/klog/v2"

	"github.com/wiggzz/diogenes/pkg/control-plane/types"
	"github.com/wiggzz/diogenes/pkg/control-plane/utils"
)

const (
	publicIPPollInterval = 5 * time.Second
	publicIPPollTimeout  = 2 * time.Minute
)

// EC2API is the subset of the EC2 client the backend uses.
type EC2API interface {
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
}

// EC2Backend launches GPU nodes as EC2 instances. The AMI is expected to
// ship vLLM behind a systemd unit; the user-data script only writes the
// model env file and starts the service.
type EC2Backend struct {
	api                EC2API
	amiID              string
	securityGroupID    string
	subnetID           string
	instanceProfileArn string
}

// NewEC2Backend builds an EC2 backend from the default AWS config chain and
// GPU_AMI_ID, GPU_SECURITY_GROUP_ID, GPU_SUBNET_ID and
// GPU_INSTANCE_PROFILE_ARN.
func NewEC2Backend(ctx context.Context) (*EC2Backend, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return &EC2Backend{
		api:                ec2.NewFromConfig(cfg),
		amiID:              utils.MustLoadEnv("GPU_AMI_ID"),
		securityGroupID:    utils.MustLoadEnv("GPU_SECURITY_GROUP_ID"),
		subnetID:           utils.MustLoadEnv("GPU_SUBNET_ID"),
		instanceProfileArn: utils.MustLoadEnv("GPU_INSTANCE_PROFILE_ARN"),
	}, nil
}

var _ Backend = &EC2Backend{}

func (b *EC2Backend) Launch(ctx context.Context, config *types.ModelConfig) (string, string, error) {
	userData := base64.StdEncoding.EncodeToString([]byte(buildUserData(config)))

	out, err := b.api.RunInstances(ctx, &ec2.RunInstancesInput{
		ImageId:          aws.String(b.amiID),
		InstanceType:     ec2types.InstanceType(config.InstanceType),
		MinCount:         aws.Int32(1),
		MaxCount:         aws.Int32(1),
		SecurityGroupIds: []string{b.securityGroupID},
		SubnetId:         aws.String(b.subnetID),
		IamInstanceProfile: &ec2types.IamInstanceProfileSpecification{
			Arn: aws.String(b.instanceProfileArn),
		},
		UserData: aws.String(userData),
		TagSpecifications: []ec2types.TagSpecification{
			{
				ResourceType: ec2types.ResourceTypeInstance,
				Tags: []ec2types.Tag{
					{Key: aws.String("Name"), Value: aws.String("diogenes-" + config.Name)},
					{Key: aws.String("diogenes:model"), Value: aws.String(config.Name)},
				},
			},
		},
	})
	if err != nil {
		return "", "", fmt.Errorf("running instance for model %s: %w", config.Name, err)
	}
	if len(out.Instances) == 0 {
		return "", "", fmt.Errorf("no instance returned for model %s", config.Name)
	}

	providerID := aws.ToString(out.Instances[0].InstanceId)
	klog.Infof("Launched instance %s for model %s", providerID, config.Name)

	// The public address is usually not assigned at RunInstances time; the
	// control plane reaches the node from outside the VPC so it has to wait
	// for one.
	ip, err := b.waitForPublicIP(ctx, providerID)
	if err != nil {
		return providerID, "", err
	}
	return providerID, ip, nil
}

func (b *EC2Backend) Terminate(ctx context.Context, providerID string) error {
	if _, err := b.api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{providerID},
	}); err != nil {
		return fmt.Errorf("terminating instance %s: %w", providerID, err)
	}
	return nil
}

func (b *EC2Backend) waitForPublicIP(ctx context.Context, providerID string) (string, error) {
	deadline := time.Now().Add(publicIPPollTimeout)
	for {
		out, err := b.api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
			InstanceIds: []string{providerID},
		})
		if err == nil {
			for _, reservation := range out.Reservations {
				for _, inst := range reservation.Instances {
					if ip := aws.ToString(inst.PublicIpAddress); ip != "" {
						return ip, nil
					}
				}
			}
		} else {
			klog.V(4).Infof("describe %s while waiting for public IP: %v", providerID, err)
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("instance %s has no public IP after %s", providerID, publicIPPollTimeout)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(publicIPPollInterval):
		}
	}
}

// buildUserData renders the cloud-init script that configures and starts the
// vLLM systemd unit baked into the AMI.
func buildUserData(config *types.ModelConfig) string {
	return fmt.Sprintf(`#!/bin/bash
set -euo pipefail

cat > /etc/diogenes-model.env << 'MODELEOF'
MODEL_NAME=%s
VLLM_ARGS="%s"
MODELEOF

systemctl start vllm
`, config.Name, config.VLLMArgs)
}
