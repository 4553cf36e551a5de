package lease

import (
	"errors"

	"github.com/juju/clock"
	"github.com/sirupsen/logrus"
)

// Logger represents the desired API of both Logger and Entry.
type Logger interface {
	WithFields(logrus.Fields) *logrus.Entry
	WithField(string, interface{}) *logrus.Entry
	WithError(error) *logrus.Entry
	Debug(...interface{})
	Info(...interface{})
	Error(...interface{})
	Debugf(string, ...interface{})
	Infof(string, ...interface{})
	Warnf(string, ...interface{})
	Errorf(string, ...interface{})
}

// Config holds the manager's collaborators.
type Config struct {
	// Engine is the paxos engine the manager drives. Required.
	Engine Engine

	// Cluster is the transport and peer-state vtable. Required.
	Cluster Cluster

	// Store persists and gossips committed ticket results. Required.
	Store Store

	// Logger is the logger used. defaults to logrus.New().
	Logger Logger

	// Clock supplies wall time and one-shot timers. defaults to
	// clock.WallClock.
	Clock clock.Clock

	// ClusterSize is the number of sites in the paxos space.
	ClusterSize int

	// Roles holds the per-site role bytes handed to the engine at space
	// init. May be nil when every site plays all roles.
	Roles []uint8
}

// defaults fills optional collaborators and validates required ones.
func (c *Config) defaults() error {
	if c.Logger == nil {
		c.Logger = logrus.New()
	}
	c.Logger = c.Logger.WithField("package", "lease")

	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
	if c.Engine == nil {
		return errors.New("lease: Engine is a required field")
	}
	if c.Cluster == nil {
		return errors.New("lease: Cluster is a required field")
	}
	if c.Store == nil {
		return errors.New("lease: Store is a required field")
	}
	if c.ClusterSize <= 0 {
		return errors.New("lease: ClusterSize must be greater than 0")
	}
	return nil
}
