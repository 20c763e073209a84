package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Topics used by the sync bridge.
const (
	// TopicEncounterFeed carries encounter events downloaded from the exchange feed.
	TopicEncounterFeed = "shr.encounter.feed"
	// TopicEncounterDownloaded announces encounters applied to the EMR.
	TopicEncounterDownloaded = "shr.encounter.downloaded"
	// TopicEncounterOutbound carries bundles of local encounters awaiting upload.
	TopicEncounterOutbound = "shr.encounter.outbound"
	TopicDeadLetter        = "shr.dead.letter"
)

// TopicConfig holds configuration for a Kafka topic
type TopicConfig struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	Configs           map[string]*string
}

// DefaultTopicConfigs returns the topics the bridge needs. The feed is
// keyed by health id so one patient's events stay ordered on one partition.
func DefaultTopicConfigs(replication int16) []TopicConfig {
	ptr := func(s string) *string { return &s }
	week := ptr("604800000")

	return []TopicConfig{
		{
			Name:              TopicEncounterFeed,
			Partitions:        12,
			ReplicationFactor: replication,
			Configs: map[string]*string{
				"retention.ms":      week,
				"cleanup.policy":    ptr("delete"),
				"compression.type":  ptr("lz4"),
				"max.message.bytes": ptr("10485760"), // bundles can be large
			},
		},
		{
			Name:              TopicEncounterDownloaded,
			Partitions:        6,
			ReplicationFactor: replication,
			Configs: map[string]*string{
				"retention.ms":   ptr("259200000"), // 3 days
				"cleanup.policy": ptr("delete"),
			},
		},
		{
			Name:              TopicEncounterOutbound,
			Partitions:        6,
			ReplicationFactor: replication,
			Configs: map[string]*string{
				"retention.ms":      week,
				"cleanup.policy":    ptr("delete"),
				"compression.type":  ptr("lz4"),
				"max.message.bytes": ptr("10485760"),
			},
		},
		{
			Name:              TopicDeadLetter,
			Partitions:        3,
			ReplicationFactor: replication,
			Configs: map[string]*string{
				"retention.ms":   ptr("2592000000"), // 30 days
				"cleanup.policy": ptr("delete"),
			},
		},
	}
}

// Admin manages the bridge topics and reports consumer lag.
type Admin struct {
	adm    *kadm.Client
	logger *zap.Logger
}

// NewAdmin connects an admin client to brokers.
func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cl, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return &Admin{adm: kadm.NewClient(cl), logger: logger}, nil
}

// EnsureTopics creates the topics of configs that do not exist and returns
// their names. Existing topics are left alone; a partition count that differs
// from the config is only logged.
func (a *Admin) EnsureTopics(ctx context.Context, configs []TopicConfig) ([]string, error) {
	names := make([]string, 0, len(configs))
	for _, c := range configs {
		names = append(names, c.Name)
	}
	existing, err := a.adm.ListTopics(ctx, names...)
	if err != nil {
		return nil, fmt.Errorf("describe topics: %w", err)
	}

	var created []string
	for _, c := range configs {
		if d, ok := existing[c.Name]; ok && d.Err == nil {
			if n := int32(len(d.Partitions)); n != c.Partitions {
				a.logger.Warn("topic partition count differs",
					zap.String("topic", c.Name),
					zap.Int32("have", n),
					zap.Int32("want", c.Partitions))
			}
			continue
		}

		resp, err := a.adm.CreateTopics(ctx, c.Partitions, c.ReplicationFactor, c.Configs, c.Name)
		if err != nil {
			return created, fmt.Errorf("create topic %s: %w", c.Name, err)
		}
		for _, r := range resp {
			if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
				return created, fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
			}
		}
		created = append(created, c.Name)
		a.logger.Info("topic created",
			zap.String("topic", c.Name),
			zap.Int32("partitions", c.Partitions),
			zap.Int16("replication", c.ReplicationFactor))
	}
	return created, nil
}

// Topics returns every topic name in the cluster, sorted.
func (a *Admin) Topics(ctx context.Context) ([]string, error) {
	details, err := a.adm.ListTopics(ctx)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	names := details.Names()
	sort.Strings(names)
	return names, nil
}

// PartitionLag is the lag of a consumer group on one partition.
type PartitionLag struct {
	Topic     string `json:"topic"`
	Partition int32  `json:"partition"`
	Lag       int64  `json:"lag"`
}

// GroupLag returns the group's lag per partition, ordered by topic and partition.
func (a *Admin) GroupLag(ctx context.Context, group string) ([]PartitionLag, error) {
	lags, err := a.adm.Lag(ctx, group)
	if err != nil {
		return nil, fmt.Errorf("lag of %s: %w", group, err)
	}

	var out []PartitionLag
	var groupErr error
	lags.Each(func(l kadm.DescribedGroupLag) {
		if l.Error() != nil {
			groupErr = l.Error()
			return
		}
		for topic, partitions := range l.Lag {
			for p, ml := range partitions {
				out = append(out, PartitionLag{Topic: topic, Partition: p, Lag: ml.Lag})
			}
		}
	})
	if groupErr != nil {
		return nil, fmt.Errorf("describe group %s: %w", group, groupErr)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Topic != out[j].Topic {
			return out[i].Topic < out[j].Topic
		}
		return out[i].Partition < out[j].Partition
	})
	return out, nil
}

// Close releases the underlying client.
func (a *Admin) Close() {
	a.adm.Close()
}

// HealthCheck reports an error unless the brokers answer a metadata request.
func HealthCheck(ctx context.Context, brokers []string) error {
	cl, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return fmt.Errorf("kafka client: %w", err)
	}
	defer cl.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	meta, err := kadm.NewClient(cl).BrokerMetadata(ctx)
	if err != nil {
		return fmt.Errorf("broker metadata: %w", err)
	}
	if len(meta.Brokers) == 0 {
		return errors.New("no brokers in metadata")
	}
	return nil
}
