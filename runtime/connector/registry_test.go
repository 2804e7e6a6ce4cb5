package connector

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/smythos/sre/runtime/fault"
)

type stubConnector struct {
	name     string
	started  int
	stopped  int
	stopErr  error
	stops    *[]string
	startErr error
}

func (s *stubConnector) Name() string { return s.name }

func (s *stubConnector) Start(context.Context) error {
	s.started++
	return s.startErr
}

func (s *stubConnector) Stop(context.Context) error {
	s.stopped++
	if s.stops != nil {
		*s.stops = append(*s.stops, s.name)
	}
	return s.stopErr
}

func stubFactory(conn *stubConnector) Factory {
	return func(map[string]any) (Connector, error) { return conn, nil }
}

func TestInitBuildsStartsAndDefaults(t *testing.T) {
	r := NewRegistry()
	conn := &stubConnector{name: "RAM"}
	require.NoError(t, r.Register(SubsystemCache, "RAM", stubFactory(conn)))

	got, err := r.Init(context.Background(), SubsystemCache, "RAM", nil)
	require.NoError(t, err)
	require.Same(t, Connector(conn), got)
	require.Equal(t, 1, conn.started)

	def, ok := r.Default(SubsystemCache)
	require.True(t, ok)
	require.Equal(t, "RAM", def)

	byDefault, err := r.Get(SubsystemCache, "")
	require.NoError(t, err)
	require.Same(t, got, byDefault)
}

func TestInitIsSingletonPerSettings(t *testing.T) {
	r := NewRegistry()
	conn := &stubConnector{name: "Redis"}
	require.NoError(t, r.Register(SubsystemCache, "Redis", stubFactory(conn)))

	settings := map[string]any{"addr": "localhost:6379"}
	first, err := r.Init(context.Background(), SubsystemCache, "Redis", settings)
	require.NoError(t, err)

	second, err := r.Init(context.Background(), SubsystemCache, "Redis", map[string]any{"addr": "localhost:6379"})
	require.NoError(t, err)
	require.Same(t, first, second)
	require.Equal(t, 1, conn.started, "equal settings must reuse the instance")

	_, err = r.Init(context.Background(), SubsystemCache, "Redis", map[string]any{"addr": "other:6379"})
	require.True(t, fault.IsKind(err, fault.KindConfiguration))
}

func TestInitUnknownConnector(t *testing.T) {
	r := NewRegistry()
	_, err := r.Init(context.Background(), SubsystemStorage, "S3", nil)
	require.True(t, fault.IsKind(err, fault.KindConfiguration))
}

func TestInitStartFailure(t *testing.T) {
	r := NewRegistry()
	conn := &stubConnector{name: "Mongo", startErr: errors.New("no route to host")}
	require.NoError(t, r.Register(SubsystemStorage, "Mongo", stubFactory(conn)))

	_, err := r.Init(context.Background(), SubsystemStorage, "Mongo", nil)
	require.True(t, fault.IsKind(err, fault.KindBackendFailure))

	_, err = r.Get(SubsystemStorage, "Mongo")
	require.Error(t, err, "failed starts must not be recorded")
}

func TestFirstInitWinsDefault(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(SubsystemStorage, "Local", stubFactory(&stubConnector{name: "Local"})))
	require.NoError(t, r.Register(SubsystemStorage, "Mongo", stubFactory(&stubConnector{name: "Mongo"})))

	_, err := r.Init(context.Background(), SubsystemStorage, "Local", nil)
	require.NoError(t, err)
	_, err = r.Init(context.Background(), SubsystemStorage, "Mongo", nil)
	require.NoError(t, err)

	def, _ := r.Default(SubsystemStorage)
	require.Equal(t, "Local", def)

	require.NoError(t, r.SetDefault(SubsystemStorage, "Mongo"))
	def, _ = r.Default(SubsystemStorage)
	require.Equal(t, "Mongo", def)

	require.Error(t, r.SetDefault(SubsystemStorage, "S3"), "defaults must reference initialized instances")
}

func TestReadyFreezesWiring(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(SubsystemCache, "RAM", stubFactory(&stubConnector{name: "RAM"})))
	_, err := r.Init(context.Background(), SubsystemCache, "RAM", nil)
	require.NoError(t, err)

	r.Ready()
	require.Equal(t, StatusReady, r.Status())

	require.Error(t, r.Register(SubsystemCache, "Other", stubFactory(&stubConnector{name: "Other"})))
	_, err = r.Init(context.Background(), SubsystemCache, "RAM", nil)
	require.Error(t, err)

	got, err := r.Get(SubsystemCache, "RAM")
	require.NoError(t, err, "Get stays legal after Ready")
	require.Equal(t, "RAM", got.Name())
}

func TestStopReverseOrderAndIdempotent(t *testing.T) {
	r := NewRegistry()
	var stops []string
	for _, name := range []string{"first", "second", "third"} {
		conn := &stubConnector{name: name, stops: &stops}
		require.NoError(t, r.Register(SubsystemCache, name, stubFactory(conn)))
		_, err := r.Init(context.Background(), SubsystemCache, name, nil)
		require.NoError(t, err)
	}
	r.Ready()

	require.NoError(t, r.Stop(context.Background()))
	require.Equal(t, []string{"third", "second", "first"}, stops)
	require.Equal(t, StatusStopping, r.Status())

	require.NoError(t, r.Stop(context.Background()))
	require.Len(t, stops, 3, "second Stop must be a no-op")
}

func TestStopContinuesPastFailures(t *testing.T) {
	r := NewRegistry()
	var stops []string
	failing := &stubConnector{name: "failing", stops: &stops, stopErr: errors.New("flush failed")}
	healthy := &stubConnector{name: "healthy", stops: &stops}
	require.NoError(t, r.Register(SubsystemCache, "healthy", stubFactory(healthy)))
	require.NoError(t, r.Register(SubsystemCache, "failing", stubFactory(failing)))
	_, err := r.Init(context.Background(), SubsystemCache, "healthy", nil)
	require.NoError(t, err)
	_, err = r.Init(context.Background(), SubsystemCache, "failing", nil)
	require.NoError(t, err)

	err = r.Stop(context.Background())
	require.ErrorIs(t, err, failing.stopErr)
	require.Equal(t, []string{"failing", "healthy"}, stops)
}

func TestResolveAssertsContract(t *testing.T) {
	r := NewRegistry()
	conn := &stubConnector{name: "RAM"}
	require.NoError(t, r.Register(SubsystemCache, "RAM", stubFactory(conn)))
	_, err := r.Init(context.Background(), SubsystemCache, "RAM", nil)
	require.NoError(t, err)

	typed, err := Resolve[*stubConnector](r, SubsystemCache, "")
	require.NoError(t, err)
	require.Same(t, conn, typed)

	type other interface {
		Connector
		Flush()
	}
	_, err = Resolve[other](r, SubsystemCache, "")
	require.True(t, fault.IsKind(err, fault.KindConfiguration))
}
