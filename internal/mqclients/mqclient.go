package mqclients

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/xerrors"
)

var ErrUnknownMQClient = xerrors.New("unknown message queue client")

// MQClient publishes serialized events to a message queue.
type MQClient interface {
	String() string
	Channel() string

	Connect(ctx context.Context, clientName string, args map[string]interface{}) (err error)
	Publish(ctx context.Context, channel string, data []byte) (err error)
	Close() error
}

var constructors = map[string]func() MQClient{}

func register(name string, constructor func() MQClient) {
	constructors[name] = constructor
}

// MQClients lists the names NewMQClient accepts.
func MQClients() []string {
	names := make([]string, 0, len(constructors))
	for name := range constructors {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// NewMQClient returns an unconnected client of the given type.
func NewMQClient(mqType string) (MQClient, error) {
	constructor, ok := constructors[strings.ToLower(mqType)]
	if !ok {
		return nil, xerrors.Errorf("%s: %w", mqType, ErrUnknownMQClient)
	}

	return constructor(), nil
}

// GetEntry returns the first value whose key matches, ignoring case.
func GetEntry(m map[string]interface{}, key string) interface{} {
	key = strings.ToLower(key)
	for i, k := range m {
		if strings.ToLower(i) == key {
			return k
		}
	}

	return nil
}

// getString accepts string values and the scalars YAML and TOML decode unquoted values into.
func getString(m map[string]interface{}, key string) (string, bool) {
	switch value := GetEntry(m, key).(type) {
	case string:
		return value, true
	case bool:
		return strconv.FormatBool(value), true
	case int:
		return strconv.Itoa(value), true
	case int64:
		return strconv.FormatInt(value, 10), true
	default:
		return "", false
	}
}
