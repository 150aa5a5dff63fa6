// Package configs loads run configuration from a file. Flags given on the
// command line take precedence; see cmd/converge.
package configs

import (
	"github.com/spf13/viper"
)

type Root struct {
	Servers           int
	PutClients        int
	DeleteClients     int
	InsertClients     int
	RequestsPerClient int

	SyncMethod   string
	ObjectKind   string
	Network      string
	MessageAcks  bool
	FollowUpGets bool

	Workers   int
	StateDir  string // non-empty selects the on-disk visited-state store
	ServeAddr string
}

// Defaults mirrors the checked scenario sizes the model is usually run at.
func Defaults() Root {
	return Root{
		Servers:           2,
		PutClients:        2,
		DeleteClients:     2,
		RequestsPerClient: 2,
		SyncMethod:        "changes",
		ObjectKind:        "map",
		Network:           "ordered",
		ServeAddr:         "127.0.0.1:8080",
	}
}

func ReadConfig(path string) (Root, error) {
	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		return Root{}, err
	}
	c := Defaults()
	err := viper.Unmarshal(&c)
	return c, err
}
