package db

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobpilot/internal/lock"
)

type mockLockManager struct {
	acquireErr error
	releaseErr error
}

func (m *mockLockManager) Acquire(lockID int) error            { return m.acquireErr }
func (m *mockLockManager) TryAcquire(lockID int) (bool, error) { return m.acquireErr == nil, m.acquireErr }
func (m *mockLockManager) Release(lockID int) error            { return m.releaseErr }

var _ lock.DistributedLockManager = (*mockLockManager)(nil)

func TestMigrationScripts(t *testing.T) {
	scripts, err := migrationScripts()
	require.NoError(t, err)
	require.Len(t, scripts, 2)

	assert.Equal(t, "0001_automation_jobs.sql", scripts[0].Name)
	assert.Equal(t, "0002_user_quotas.sql", scripts[1].Name)
	assert.True(t, strings.Contains(scripts[0].SQL, "jobpilot_schema.automation_jobs"))
	assert.True(t, strings.Contains(scripts[1].SQL, "jobpilot_schema.user_quotas"))
}

func TestInit_LockAcquireFails(t *testing.T) {
	lockMgr := &mockLockManager{acquireErr: errors.New("lock busy")}

	err := Init("postgres://invalid", lockMgr)
	assert.Error(t, err)
}
