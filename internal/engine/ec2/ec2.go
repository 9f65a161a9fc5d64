// Package ec2 implements the engine.Engine interface on Amazon EC2 using
// aws-sdk-go-v2.
//
// Credentials come from the cluster profile: a static key pair when both
// halves are set, otherwise the SDK's default provider chain, optionally
// narrowed to a named shared-config profile.  The SDK caches credentials
// and refreshes them before expiry, so long-lived engines keep working
// across credential rotation.
package ec2

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awsec2 "github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/ec2-elastic-agent/internal/cluster"
	"github.com/terrpan/ec2-elastic-agent/internal/engine"
)

// Config holds EC2-specific engine settings, all derived from a cluster
// profile.
type Config struct {
	// Region is the AWS region code (required).
	Region string

	// EndpointURL overrides the EC2 endpoint, e.g. a VPC interface
	// endpoint.  Empty means the regional default.
	EndpointURL string

	// AccessKeyID and SecretAccessKey form a static credential pair.
	// Used only when both are set.
	AccessKeyID     string
	SecretAccessKey string

	// Profile names a shared-config profile for the default chain.
	Profile string
}

// ConfigFromProfile maps cluster profile properties onto Config.
func ConfigFromProfile(p cluster.Profile) Config {
	cfg := Config{
		Region:      p.Region(),
		EndpointURL: p.EndpointURL(),
		Profile:     p.CredentialProfile(),
	}
	if p.HasStaticCredentials() {
		cfg.AccessKeyID = p.AccessKeyID()
		cfg.SecretAccessKey = p.SecretAccessKey()
	}
	return cfg
}

// ec2API is the subset of *awsec2.Client the engine uses.
type ec2API interface {
	RunInstances(ctx context.Context, in *awsec2.RunInstancesInput, opts ...func(*awsec2.Options)) (*awsec2.RunInstancesOutput, error)
	TerminateInstances(ctx context.Context, in *awsec2.TerminateInstancesInput, opts ...func(*awsec2.Options)) (*awsec2.TerminateInstancesOutput, error)
	DescribeInstances(ctx context.Context, in *awsec2.DescribeInstancesInput, opts ...func(*awsec2.Options)) (*awsec2.DescribeInstancesOutput, error)
}

// Engine manages elastic agents as EC2 instances in one region.
type Engine struct {
	client ec2API
	cfg    Config
	logger *slog.Logger

	// OpenTelemetry instrumentation
	tracer trace.Tracer
}

// Compile-time check that Engine satisfies the engine.Engine interface.
var _ engine.Engine = (*Engine)(nil)

// liveStates are the instance states ListByTag reports.
var liveStates = []string{"pending", "running", "shutting-down", "stopping", "stopped"}

// New creates an EC2 engine.  It resolves configuration and credentials
// sources but does not call AWS.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Engine, error) {
	if cfg.Region == "" {
		return nil, errors.New("ec2: region is required")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	switch {
	case cfg.AccessKeyID != "" && cfg.SecretAccessKey != "":
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	case cfg.Profile != "":
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("ec2: loading aws config: %w", err)
	}

	client := awsec2.NewFromConfig(awsCfg, func(o *awsec2.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		}
	})

	logger.Info("ec2 engine initialized",
		slog.String("region", cfg.Region),
		slog.String("endpoint", cfg.EndpointURL),
		slog.Bool("static_credentials", cfg.AccessKeyID != ""),
		slog.String("profile", cfg.Profile),
	)

	return newWithClient(client, cfg, logger), nil
}

// NewFromProfile is an engine.Factory.
func NewFromProfile(logger *slog.Logger) engine.Factory {
	return func(ctx context.Context, p cluster.Profile) (engine.Engine, error) {
		return New(ctx, ConfigFromProfile(p), logger.With(slog.String("cluster", p.ShortKey())))
	}
}

func newWithClient(client ec2API, cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		client: client,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("ec2-elastic-agent/engine/ec2"),
	}
}

// Run launches exactly one instance described by spec.
func (e *Engine) Run(ctx context.Context, spec engine.RunSpec) (string, error) {
	ctx, span := e.tracer.Start(ctx, "engine.ec2.Run")
	defer span.End()

	span.SetAttributes(
		attribute.String("ec2.region", e.cfg.Region),
		attribute.String("ec2.subnet", spec.SubnetID),
		attribute.String("ec2.instance_type", spec.InstanceType),
		attribute.String("ec2.image", spec.ImageID),
	)

	input := &awsec2.RunInstancesInput{
		ImageId:          aws.String(spec.ImageID),
		InstanceType:     types.InstanceType(spec.InstanceType),
		MinCount:         aws.Int32(1),
		MaxCount:         aws.Int32(1),
		SecurityGroupIds: spec.SecurityGroups,
		SubnetId:         aws.String(spec.SubnetID),
		UserData:         aws.String(spec.UserData),
		TagSpecifications: []types.TagSpecification{
			{
				ResourceType: types.ResourceTypeInstance,
				Tags:         toTags(spec.Tags),
			},
		},
	}
	if spec.KeyName != "" {
		input.KeyName = aws.String(spec.KeyName)
	}
	// Some regions reject an empty profile name, so the whole
	// specification is left out when none is configured.
	if spec.InstanceProfile != "" {
		input.IamInstanceProfile = &types.IamInstanceProfileSpecification{
			Name: aws.String(spec.InstanceProfile),
		}
	}

	e.logger.Debug("running instance",
		slog.String("subnet", spec.SubnetID),
		slog.String("instance_type", spec.InstanceType),
		slog.String("image", spec.ImageID),
	)

	out, err := e.client.RunInstances(ctx, input)
	if err != nil {
		span.RecordError(err)
		return "", classify("run instance", err)
	}
	if len(out.Instances) == 0 || aws.ToString(out.Instances[0].InstanceId) == "" {
		return "", engine.Transient("run instance", errors.New("no instance in response"))
	}

	id := aws.ToString(out.Instances[0].InstanceId)
	span.SetAttributes(attribute.String("ec2.instance_id", id))
	return id, nil
}

// Terminate terminates the instance.  An unknown instance id is reported
// as engine.ErrNotFound.
func (e *Engine) Terminate(ctx context.Context, id string) error {
	ctx, span := e.tracer.Start(ctx, "engine.ec2.Terminate")
	defer span.End()

	span.SetAttributes(
		attribute.String("ec2.region", e.cfg.Region),
		attribute.String("ec2.instance_id", id),
	)

	_, err := e.client.TerminateInstances(ctx, &awsec2.TerminateInstancesInput{
		InstanceIds: []string{id},
	})
	if err != nil {
		err = classify("terminate instance "+id, err)
		if errors.Is(err, engine.ErrNotFound) {
			span.AddEvent("instance already gone (idempotent)")
		} else {
			span.RecordError(err)
		}
		return err
	}

	e.logger.Info("instance terminated",
		slog.String("instance", id),
		slog.String("region", e.cfg.Region),
	)
	return nil
}

// ListByTag pages through DescribeInstances filtered by every selector
// tag and by the non-terminated instance states.
func (e *Engine) ListByTag(ctx context.Context, selector map[string]string) ([]engine.Instance, error) {
	ctx, span := e.tracer.Start(ctx, "engine.ec2.ListByTag")
	defer span.End()

	filters := []types.Filter{
		{Name: aws.String("instance-state-name"), Values: liveStates},
	}
	for _, k := range sortedKeys(selector) {
		filters = append(filters, types.Filter{
			Name:   aws.String("tag:" + k),
			Values: []string{selector[k]},
		})
	}

	var out []engine.Instance
	pager := awsec2.NewDescribeInstancesPaginator(e.client, &awsec2.DescribeInstancesInput{Filters: filters})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			span.RecordError(err)
			return nil, classify("describe instances", err)
		}
		for _, rsv := range page.Reservations {
			for _, inst := range rsv.Instances {
				out = append(out, fromInstance(inst))
			}
		}
	}

	span.SetAttributes(attribute.Int("ec2.instances_count", len(out)))
	return out, nil
}

// Describe returns the state name of one instance.  Terminated
// instances are reported as engine.ErrNotFound.
func (e *Engine) Describe(ctx context.Context, id string) (string, error) {
	ctx, span := e.tracer.Start(ctx, "engine.ec2.Describe")
	defer span.End()

	span.SetAttributes(attribute.String("ec2.instance_id", id))

	out, err := e.client.DescribeInstances(ctx, &awsec2.DescribeInstancesInput{
		InstanceIds: []string{id},
	})
	if err != nil {
		return "", classify("describe instance "+id, err)
	}
	for _, rsv := range out.Reservations {
		for _, inst := range rsv.Instances {
			if aws.ToString(inst.InstanceId) != id {
				continue
			}
			state := stateName(inst)
			if state == string(types.InstanceStateNameTerminated) {
				return "", engine.ErrNotFound
			}
			return state, nil
		}
	}
	return "", engine.ErrNotFound
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func toTags(m map[string]string) []types.Tag {
	tags := make([]types.Tag, 0, len(m))
	for _, k := range sortedKeys(m) {
		tags = append(tags, types.Tag{Key: aws.String(k), Value: aws.String(m[k])})
	}
	return tags
}

func fromInstance(inst types.Instance) engine.Instance {
	tags := make(map[string]string, len(inst.Tags))
	for _, t := range inst.Tags {
		tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return engine.Instance{
		ID:         aws.ToString(inst.InstanceId),
		LaunchTime: aws.ToTime(inst.LaunchTime),
		SubnetID:   aws.ToString(inst.SubnetId),
		State:      stateName(inst),
		Tags:       tags,
	}
}

func stateName(inst types.Instance) string {
	if inst.State == nil {
		return ""
	}
	return string(inst.State.Name)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// fatalCodes are EC2 error codes no other subnet or later retry can fix.
var fatalCodes = map[string]bool{
	"AuthFailure":                 true,
	"UnauthorizedOperation":       true,
	"InvalidClientTokenId":        true,
	"SignatureDoesNotMatch":       true,
	"OptInRequired":               true,
	"Blocked":                     true,
	"PendingVerification":         true,
	"InstanceLimitExceeded":       true,
	"VcpuLimitExceeded":           true,
	"InvalidKeyPair.NotFound":     true,
	"InvalidGroup.NotFound":       true,
	"InvalidParameterCombination": true,
	"InvalidUserData.Malformed":   true,
}

// notFoundCodes mean the instance does not exist.
var notFoundCodes = map[string]bool{
	"InvalidInstanceID.NotFound":  true,
	"InvalidInstanceID.Malformed": true,
}

// classify maps an SDK error onto the engine error kinds.  Capacity,
// throttling, subnet-specific and transport errors stay transient.
func classify(op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case notFoundCodes[code]:
			return fmt.Errorf("%s: %w (%s)", op, engine.ErrNotFound, apiErr.ErrorMessage())
		case fatalCodes[code], strings.HasPrefix(code, "InvalidAMIID."):
			return engine.Fatal(op, err)
		}
	}
	return engine.Transient(op, err)
}
