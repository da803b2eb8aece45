package action

import (
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Action kinds accepted in a routes file.
const (
	KindLog      = "log"
	KindMetadata = "metadata"
	KindKafka    = "kafka"
)

// RoutesFile is the YAML routing configuration.
type RoutesFile struct {
	TrustedOrigins []string    `yaml:"trusted_origins"`
	Routes         []RouteSpec `yaml:"routes"`
}

type RouteSpec struct {
	Name     string            `yaml:"name"`
	When     string            `yaml:"when"`
	Action   string            `yaml:"action"`
	Metadata map[string]string `yaml:"metadata,omitempty"`
}

func LoadRoutes(path string) (RoutesFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RoutesFile{}, fmt.Errorf("read routes: %w", err)
	}
	return ParseRoutes(data)
}

func ParseRoutes(data []byte) (RoutesFile, error) {
	var rf RoutesFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return RoutesFile{}, fmt.Errorf("parse routes: %w", err)
	}
	if len(rf.Routes) == 0 {
		return RoutesFile{}, errors.New("parse routes: no routes")
	}
	return rf, nil
}

// Deps are the collaborators concrete actions need. Kafka may be nil when no
// route relays.
type Deps struct {
	Log     *zap.Logger
	Updater ItemUpdater
	Kafka   MessageWriter
}

// Build compiles rf into a Router. Extra trusted origins (from the
// environment) are added to the file's list.
func (rf RoutesFile) Build(deps Deps, extraTrusted []string) (*Router, error) {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	var relay *KafkaRelay
	routes := make([]Route, 0, len(rf.Routes))
	for i, spec := range rf.Routes {
		var d Dispatcher
		switch spec.Action {
		case KindLog:
			d = Log{L: deps.Log}
		case KindMetadata:
			updater := deps.Updater
			if updater == nil {
				updater = LogUpdater{Log: deps.Log}
			}
			mm, err := NewMetadataMap(spec.Metadata, updater)
			if err != nil {
				return nil, fmt.Errorf("route %d (%s): %w", i, spec.Name, err)
			}
			d = mm
		case KindKafka:
			if deps.Kafka == nil {
				return nil, fmt.Errorf("route %d (%s): kafka action needs KAFKA_BROKERS", i, spec.Name)
			}
			if relay == nil {
				relay = NewKafkaRelay(deps.Kafka, deps.Log)
			}
			d = relay
		default:
			return nil, fmt.Errorf("route %d (%s): unknown action %q", i, spec.Name, spec.Action)
		}
		routes = append(routes, Route{Name: spec.Name, When: spec.When, Action: d})
	}
	trusted := append(append([]string(nil), rf.TrustedOrigins...), extraTrusted...)
	return NewRouter(routes, trusted, deps.Log)
}

// UsesKafka reports whether any route relays to Kafka.
func (rf RoutesFile) UsesKafka() bool {
	for _, r := range rf.Routes {
		if r.Action == KindKafka {
			return true
		}
	}
	return false
}
