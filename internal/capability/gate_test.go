package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fleetcron/orchestrator/internal/model"
)

func TestCheckPassesOnStaticBoolean(t *testing.T) {
	server := model.Server{Name: "web-1", DockerAvailable: true}
	err := Check(server, nil, []string{"docker"}, model.OSFilter{})
	assert.NoError(t, err)
}

func TestCheckPassesOnPackageManager(t *testing.T) {
	server := model.Server{Name: "web-1", PackageManager: "apt"}
	err := Check(server, nil, []string{"apt"}, model.OSFilter{})
	assert.NoError(t, err)
}

func TestCheckPassesOnDetectedCapabilityRow(t *testing.T) {
	server := model.Server{Name: "web-1"}
	caps := []model.ServerCapability{{CapabilityName: "gpu", Available: true}}
	err := Check(server, caps, []string{"gpu"}, model.OSFilter{})
	assert.NoError(t, err)
}

func TestCheckFailsWhenCapabilityMissing(t *testing.T) {
	server := model.Server{Name: "web-1", DockerAvailable: false}
	err := Check(server, nil, []string{"docker"}, model.OSFilter{})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "precondition:")
}

func TestCheckOSFilterEmptyMatchesAll(t *testing.T) {
	server := model.Server{Name: "web-1"}
	assert.NoError(t, checkOSFilter(server, model.OSFilter{}))
}

func TestCheckOSFilterFailsWithNoDistroOnServer(t *testing.T) {
	server := model.Server{Name: "web-1"}
	err := checkOSFilter(server, model.OSFilter{Distro: []string{"ubuntu"}})
	assert.Error(t, err)
}

func TestCheckOSFilterMatchesMember(t *testing.T) {
	server := model.Server{Name: "web-1", OSDistro: "debian"}
	assert.NoError(t, checkOSFilter(server, model.OSFilter{Distro: []string{"ubuntu", "debian"}}))
}
