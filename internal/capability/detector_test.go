package capability

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetcron/orchestrator/internal/executor"
	"github.com/fleetcron/orchestrator/internal/model"
)

// fakeProbeExecutor answers each probe command from a canned table keyed on
// a substring of the command.
type fakeProbeExecutor struct {
	outcomes map[string]executor.Result
	err      error
}

func (f *fakeProbeExecutor) Execute(_ context.Context, _ model.Server, argv []string, _ time.Duration) (executor.Result, error) {
	if f.err != nil {
		return executor.Result{}, f.err
	}
	command := argv[len(argv)-1]
	for key, res := range f.outcomes {
		if strings.Contains(command, key) {
			return res, nil
		}
	}
	return executor.Result{ExitCode: 127}, nil
}

// memoryDetectorStore records writes in memory for assertions.
type memoryDetectorStore struct {
	servers []model.Server
	facts   map[int64]model.Server
	caps    map[string]model.ServerCapability
}

func newMemoryDetectorStore(servers ...model.Server) *memoryDetectorStore {
	return &memoryDetectorStore{
		servers: servers,
		facts:   make(map[int64]model.Server),
		caps:    make(map[string]model.ServerCapability),
	}
}

func (m *memoryDetectorStore) EnabledServers(context.Context) ([]model.Server, error) {
	return m.servers, nil
}

func (m *memoryDetectorStore) UpdateServerFacts(_ context.Context, server *model.Server) error {
	m.facts[server.ID] = *server
	return nil
}

func (m *memoryDetectorStore) UpsertServerCapability(_ context.Context, cap model.ServerCapability) error {
	m.caps[cap.CapabilityName] = cap
	return nil
}

func TestDetectRecordsCapabilitiesAndFacts(t *testing.T) {
	st := newMemoryDetectorStore()
	exec := &fakeProbeExecutor{outcomes: map[string]executor.Result{
		"docker":     {ExitCode: 0, Stdout: "Docker version 27.0.3\n"},
		"systemctl":  {ExitCode: 0, Stdout: "systemd 255\n"},
		"apt-get":    {ExitCode: 0, Stdout: "apt 2.7.14\n"},
		"os-release": {ExitCode: 0, Stdout: "debian"},
	}}
	d := NewDetector(st, exec, time.Second, logr.Discard())

	server := model.Server{ID: 7, Name: "web-1"}
	require.NoError(t, d.Detect(context.Background(), &server))

	assert.True(t, server.DockerAvailable)
	assert.True(t, server.SystemdAvailable)
	assert.Equal(t, "apt", server.PackageManager)
	assert.Equal(t, "debian", server.OSDistro)
	assert.NotNil(t, server.LastSeenAt)
	assert.Empty(t, server.LastError)

	persisted, ok := st.facts[7]
	require.True(t, ok)
	assert.Equal(t, "debian", persisted.OSDistro)

	assert.True(t, st.caps["docker"].Available)
	assert.Equal(t, "Docker version 27.0.3", st.caps["docker"].Version)
	assert.True(t, st.caps["apt"].Available)
	assert.False(t, st.caps["dnf"].Available)
}

func TestDetectFailedProbeMeansUnavailableNotError(t *testing.T) {
	st := newMemoryDetectorStore()
	exec := &fakeProbeExecutor{outcomes: map[string]executor.Result{
		"systemctl":  {ExitCode: 0, Stdout: "systemd 255\n"},
		"dnf":        {ExitCode: 0, Stdout: "4.14.0\n"},
		"os-release": {ExitCode: 0, Stdout: "fedora"},
	}}
	d := NewDetector(st, exec, time.Second, logr.Discard())

	server := model.Server{ID: 3, Name: "db-1"}
	require.NoError(t, d.Detect(context.Background(), &server))

	assert.False(t, server.DockerAvailable)
	assert.True(t, server.SystemdAvailable)
	assert.Equal(t, "dnf", server.PackageManager)
	assert.Equal(t, "fedora", server.OSDistro)
	assert.False(t, st.caps["docker"].Available)
}

func TestDetectTransportFailureRecordsLastError(t *testing.T) {
	st := newMemoryDetectorStore()
	cause := &executor.TransportError{Err: errors.New("dial tcp: connection refused")}
	exec := &fakeProbeExecutor{err: cause}
	d := NewDetector(st, exec, time.Second, logr.Discard())

	server := model.Server{ID: 9, Name: "gone-1"}
	err := d.Detect(context.Background(), &server)
	require.Error(t, err)

	persisted, ok := st.facts[9]
	require.True(t, ok)
	assert.Contains(t, persisted.LastError, "transport:")
	assert.Nil(t, persisted.LastSeenAt)
}

func TestRefresherSweepsEveryEnabledServer(t *testing.T) {
	st := newMemoryDetectorStore(
		model.Server{ID: 1, Name: "a", Enabled: true},
		model.Server{ID: 2, Name: "b", Enabled: true},
	)
	exec := &fakeProbeExecutor{outcomes: map[string]executor.Result{
		"os-release": {ExitCode: 0, Stdout: "ubuntu"},
	}}
	d := NewDetector(st, exec, time.Second, logr.Discard())
	r := NewRefresher(d, st, time.Hour, logr.Discard())

	r.sweep(context.Background())

	assert.Len(t, st.facts, 2)
	assert.Equal(t, "ubuntu", st.facts[1].OSDistro)
	assert.Equal(t, "ubuntu", st.facts[2].OSDistro)
}
