package kafka

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// topicAdmin abstracts the kadm methods used by Admin.
type topicAdmin interface {
	ListTopics(ctx context.Context, topics ...string) (kadm.TopicDetails, error)
	CreateTopics(ctx context.Context, partitions int32, replicationFactor int16, configs map[string]*string, topics ...string) (kadm.CreateTopicResponses, error)
}

// TopicSpec describes a topic to create. Non-positive values use the
// broker defaults.
type TopicSpec struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
}

// Admin runs topic metadata operations against one cluster.
type Admin struct {
	adm   topicAdmin
	close func()
}

// NewAdmin connects an admin client to the cluster.
func NewAdmin(cfg *ClusterConfig) (*Admin, error) {
	opts, err := ClientOptions(cfg)
	if err != nil {
		return nil, fmt.Errorf("options: %w", err)
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("admin client: %w", err)
	}
	return &Admin{adm: kadm.NewClient(client), close: client.Close}, nil
}

// TopicExists reports whether topic is present on the cluster.
func (a *Admin) TopicExists(ctx context.Context, topic string) (bool, error) {
	details, err := a.adm.ListTopics(ctx, topic)
	if err != nil {
		return false, fmt.Errorf("list topic %s: %w", topic, err)
	}
	detail, ok := details[topic]
	if !ok || errors.Is(detail.Err, kerr.UnknownTopicOrPartition) {
		return false, nil
	}
	if detail.Err != nil {
		return false, fmt.Errorf("describe topic %s: %w", topic, detail.Err)
	}
	return true, nil
}

// EnsureTopic creates the topic when it does not exist yet. It reports
// whether a topic was created.
func (a *Admin) EnsureTopic(ctx context.Context, spec TopicSpec) (bool, error) {
	exists, err := a.TopicExists(ctx, spec.Name)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	partitions, rf := spec.Partitions, spec.ReplicationFactor
	if partitions <= 0 {
		partitions = -1
	}
	if rf <= 0 {
		rf = -1
	}
	resps, err := a.adm.CreateTopics(ctx, partitions, rf, nil, spec.Name)
	if err != nil {
		return false, fmt.Errorf("create topic %s: %w", spec.Name, err)
	}
	resp, ok := resps[spec.Name]
	if !ok {
		return false, fmt.Errorf("create topic %s: no response", spec.Name)
	}
	switch {
	case resp.Err == nil:
		return true, nil
	case errors.Is(resp.Err, kerr.TopicAlreadyExists):
		// Lost a race with another relay instance.
		return false, nil
	default:
		return false, fmt.Errorf("create topic %s: %w", spec.Name, resp.Err)
	}
}

// MatchingTopics lists the non-internal topics whose full name matches re,
// sorted by name.
func (a *Admin) MatchingTopics(ctx context.Context, re *regexp.Regexp) ([]string, error) {
	details, err := a.adm.ListTopics(ctx)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	var names []string
	for name, detail := range details {
		if detail.Err != nil || detail.IsInternal {
			continue
		}
		if re.MatchString(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Close releases the underlying client.
func (a *Admin) Close() {
	if a.close != nil {
		a.close()
	}
}
