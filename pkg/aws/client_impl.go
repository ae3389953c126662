// Copyright 2025 Spotmgr Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package aws

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// ClientConfig configures credentials for the provider adapter.
type ClientConfig struct {
	// AccessKeyID / SecretAccessKey configure static credentials. When
	// empty, the SDK default credential chain is used.
	AccessKeyID     string
	SecretAccessKey string

	// AssumeRoleARN, when set, wraps the base credentials in an STS
	// AssumeRole provider. Used for cross-account deployments.
	AssumeRoleARN string

	// DefaultRegion is used for the STS endpoint when assuming a role.
	DefaultRegion string

	// EndpointURL overrides the EC2/STS endpoints, for testing against
	// LocalStack. Empty in production.
	EndpointURL string
}

// RealClient is the production Client backed by the AWS SDK v2. Regional
// clients are cached; the adapter is safe for concurrent use by reconcilers
// of different pools.
type RealClient struct {
	cfg ClientConfig

	mu      sync.Mutex
	regions map[string]*RealRegionClient
}

var _ Client = (*RealClient)(nil)

// NewClient creates the production provider adapter.
func NewClient(cfg ClientConfig) *RealClient {
	return &RealClient{
		cfg:     cfg,
		regions: make(map[string]*RealRegionClient),
	}
}

// Region returns a cached per-region client, building it on first use.
func (c *RealClient) Region(ctx context.Context, region string) (RegionClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rc, ok := c.regions[region]; ok {
		return rc, nil
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if c.cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.cfg.AccessKeyID, c.cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, classify(err)
	}

	if c.cfg.AssumeRoleARN != "" {
		stsOpts := []func(*sts.Options){}
		if c.cfg.EndpointURL != "" {
			endpoint := c.cfg.EndpointURL
			stsOpts = append(stsOpts, func(o *sts.Options) {
				o.BaseEndpoint = &endpoint
			})
		}
		stsClient := sts.NewFromConfig(awsCfg, stsOpts...)
		awsCfg.Credentials = awssdk.NewCredentialsCache(
			stscreds.NewAssumeRoleProvider(stsClient, c.cfg.AssumeRoleARN))
	}

	ec2Opts := []func(*ec2.Options){}
	if c.cfg.EndpointURL != "" {
		endpoint := c.cfg.EndpointURL
		ec2Opts = append(ec2Opts, func(o *ec2.Options) {
			o.BaseEndpoint = &endpoint
		})
	}

	rc := &RealRegionClient{
		client: ec2.NewFromConfig(awsCfg, ec2Opts...),
		region: region,
	}
	c.regions[region] = rc
	return rc, nil
}

// RealRegionClient implements RegionClient on a concrete ec2.Client.
type RealRegionClient struct {
	client *ec2.Client
	region string
}

var _ RegionClient = (*RealRegionClient)(nil)

// ResolveImage resolves an AMI name to its id, picking the newest image when
// the name matches several (marketplace images are versioned by date).
func (c *RealRegionClient) ResolveImage(ctx context.Context, name string) (string, error) {
	out, err := c.client.DescribeImages(ctx, &ec2.DescribeImagesInput{
		Filters: []ec2types.Filter{
			{Name: awssdk.String("name"), Values: []string{name}},
		},
	})
	if err != nil {
		return "", classify(err)
	}
	if len(out.Images) == 0 {
		return "", fmt.Errorf("%w: no image found with name %q in %s", ErrUnclassified, name, c.region)
	}

	images := out.Images
	sort.Slice(images, func(i, j int) bool {
		return awssdk.ToString(images[i].CreationDate) > awssdk.ToString(images[j].CreationDate)
	})
	return awssdk.ToString(images[0].ImageId), nil
}

// RequestSpot submits one-time spot requests and returns the request ids.
func (c *RealRegionClient) RequestSpot(
	ctx context.Context,
	bidTotal float64,
	spec LaunchSpec,
	count int,
	timeout time.Duration,
) ([]string, error) {
	launch := &ec2types.RequestSpotLaunchSpecification{
		ImageId:      awssdk.String(spec.ImageID),
		InstanceType: ec2types.InstanceType(spec.InstanceType),
		Placement: &ec2types.SpotPlacement{
			AvailabilityZone: awssdk.String(spec.Zone),
		},
	}
	if spec.KeyName != "" {
		launch.KeyName = awssdk.String(spec.KeyName)
	}
	if len(spec.SecurityGroups) > 0 {
		launch.SecurityGroups = spec.SecurityGroups
	}
	if len(spec.UserData) > 0 {
		launch.UserData = awssdk.String(base64.StdEncoding.EncodeToString(spec.UserData))
	}
	applyRawConfig(launch, spec.RawConfig)

	out, err := c.client.RequestSpotInstances(ctx, &ec2.RequestSpotInstancesInput{
		SpotPrice:           awssdk.String(strconv.FormatFloat(bidTotal, 'f', -1, 64)),
		InstanceCount:       awssdk.Int32(int32(count)),
		Type:                ec2types.SpotInstanceTypeOneTime,
		ValidUntil:          awssdk.Time(time.Now().Add(timeout)),
		LaunchSpecification: launch,
	})
	if err != nil {
		return nil, classify(err)
	}

	ids := make([]string, 0, len(out.SpotInstanceRequests))
	for _, req := range out.SpotInstanceRequests {
		ids = append(ids, awssdk.ToString(req.SpotInstanceRequestId))
	}
	return ids, nil
}

// applyRawConfig maps recognized raw-config keys onto the launch spec.
func applyRawConfig(launch *ec2types.RequestSpotLaunchSpecification, raw map[string]string) {
	if v, ok := raw["subnet_id"]; ok && v != "" {
		launch.SubnetId = awssdk.String(v)
	}
	if v, ok := raw["instance_profile_arn"]; ok && v != "" {
		launch.IamInstanceProfile = &ec2types.IamInstanceProfileSpecification{
			Arn: awssdk.String(v),
		}
	}
	if v, ok := raw["monitoring"]; ok {
		enabled := v == "1" || v == "true"
		launch.Monitoring = &ec2types.RunInstancesMonitoringEnabled{
			Enabled: awssdk.Bool(enabled),
		}
	}
}

// CheckSpotRequests describes the given spot requests and returns one
// outcome per id, in input order. Fulfilled requests have tags applied to
// the new instance before the outcome is returned.
func (c *RealRegionClient) CheckSpotRequests(
	ctx context.Context,
	requestIDs []string,
	tags map[string]string,
) ([]SpotRequestOutcome, error) {
	if len(requestIDs) == 0 {
		return nil, nil
	}

	out, err := c.client.DescribeSpotInstanceRequests(ctx, &ec2.DescribeSpotInstanceRequestsInput{
		SpotInstanceRequestIds: requestIDs,
	})
	if err != nil {
		return nil, classify(err)
	}

	byID := make(map[string]ec2types.SpotInstanceRequest, len(out.SpotInstanceRequests))
	for _, req := range out.SpotInstanceRequests {
		byID[awssdk.ToString(req.SpotInstanceRequestId)] = req
	}

	outcomes := make([]SpotRequestOutcome, 0, len(requestIDs))
	for _, id := range requestIDs {
		req, ok := byID[id]
		if !ok {
			// Not in the response; treat like a still-open request and let
			// the next tick re-check.
			outcomes = append(outcomes, SpotRequestOutcome{RequestID: id, Kind: OutcomePending})
			continue
		}
		outcome, err := c.requestOutcome(ctx, id, req, tags)
		if err != nil {
			return nil, err
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

func (c *RealRegionClient) requestOutcome(
	ctx context.Context,
	id string,
	req ec2types.SpotInstanceRequest,
	tags map[string]string,
) (SpotRequestOutcome, error) {
	state := string(req.State)
	statusCode := ""
	if req.Status != nil {
		statusCode = awssdk.ToString(req.Status.Code)
	}
	instanceType := ""
	if req.LaunchSpecification != nil {
		instanceType = string(req.LaunchSpecification.InstanceType)
	}

	outcome := SpotRequestOutcome{
		RequestID:    id,
		State:        state,
		StatusCode:   statusCode,
		InstanceType: instanceType,
	}

	switch req.State {
	case ec2types.SpotInstanceStateActive:
		if req.InstanceId == nil {
			outcome.Kind = OutcomeTransient
			return outcome, nil
		}
		instanceID := awssdk.ToString(req.InstanceId)
		inst, err := c.describeOne(ctx, instanceID)
		if err != nil {
			return SpotRequestOutcome{}, err
		}
		if len(tags) > 0 {
			if err := c.CreateTags(ctx, instanceID, tags); err != nil {
				return SpotRequestOutcome{}, err
			}
		}
		outcome.Kind = OutcomeFulfilled
		outcome.InstanceID = instanceID
		outcome.Hostname = inst.Hostname
		outcome.StateCode = inst.StateCode
		return outcome, nil

	case ec2types.SpotInstanceStateCancelled, ec2types.SpotInstanceStateClosed, ec2types.SpotInstanceStateFailed:
		outcome.Kind = OutcomeTerminal
		return outcome, nil

	case ec2types.SpotInstanceStateOpen:
		// pending-evaluation / pending-fulfillment are the normal open
		// statuses; anything else open is reported as transient so the
		// caller can log it.
		if statusCode == "pending-evaluation" || statusCode == "pending-fulfillment" || statusCode == "" {
			outcome.Kind = OutcomePending
		} else {
			outcome.Kind = OutcomeTransient
		}
		return outcome, nil

	default:
		outcome.Kind = OutcomeTransient
		return outcome, nil
	}
}

// describeOne fetches a single instance by id.
func (c *RealRegionClient) describeOne(ctx context.Context, instanceID string) (Instance, error) {
	instances, err := c.Find(ctx, Filter{InstanceIDs: []string{instanceID}})
	if err != nil {
		return Instance{}, err
	}
	if len(instances) == 0 {
		return Instance{}, fmt.Errorf("%w: instance %s not found after fulfillment", ErrUnclassified, instanceID)
	}
	return instances[0], nil
}

// Find enumerates instances by tag filter or explicit ids. State codes are
// returned raw; the caller strips the high byte.
func (c *RealRegionClient) Find(ctx context.Context, filter Filter) ([]Instance, error) {
	input := &ec2.DescribeInstancesInput{}
	if len(filter.InstanceIDs) > 0 {
		input.InstanceIds = filter.InstanceIDs
	}
	for key, value := range filter.Tags {
		input.Filters = append(input.Filters, ec2types.Filter{
			Name:   awssdk.String("tag:" + key),
			Values: []string{value},
		})
	}

	var instances []Instance
	paginator := ec2.NewDescribeInstancesPaginator(c.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classify(err)
		}
		for _, reservation := range page.Reservations {
			for _, inst := range reservation.Instances {
				tagMap := make(map[string]string, len(inst.Tags))
				for _, tag := range inst.Tags {
					tagMap[awssdk.ToString(tag.Key)] = awssdk.ToString(tag.Value)
				}
				zone := ""
				if inst.Placement != nil {
					zone = awssdk.ToString(inst.Placement.AvailabilityZone)
				}
				stateCode := 0
				if inst.State != nil {
					stateCode = int(awssdk.ToInt32(inst.State.Code))
				}
				instances = append(instances, Instance{
					ID:        awssdk.ToString(inst.InstanceId),
					StateCode: stateCode,
					Hostname:  awssdk.ToString(inst.PublicDnsName),
					Zone:      zone,
					Tags:      tagMap,
				})
			}
		}
	}
	return instances, nil
}

// CreateTags applies tags to an instance.
func (c *RealRegionClient) CreateTags(ctx context.Context, instanceID string, tags map[string]string) error {
	ec2Tags := make([]ec2types.Tag, 0, len(tags))
	for key, value := range tags {
		ec2Tags = append(ec2Tags, ec2types.Tag{
			Key:   awssdk.String(key),
			Value: awssdk.String(value),
		})
	}
	_, err := c.client.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{instanceID},
		Tags:      ec2Tags,
	})
	return classify(err)
}

// Terminate terminates the given instances. A nil error only means the
// request was accepted; termination itself is asynchronous.
func (c *RealRegionClient) Terminate(ctx context.Context, instanceIDs []string) error {
	if len(instanceIDs) == 0 {
		return nil
	}
	_, err := c.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: instanceIDs,
	})
	return classify(err)
}
