package blobcr

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bnicolae/blobcr/internal/pagefault"
)

func withEnv(t *testing.T, kv map[string]string) {
	t.Helper()
	for k, v := range kv {
		prev, had := os.LookupEnv(k)
		require.NoError(t, os.Setenv(k, v))
		t.Cleanup(func() {
			if had {
				_ = os.Setenv(k, prev)
			} else {
				_ = os.Unsetenv(k)
			}
		})
	}
}

func TestStartCheckpointerIsIdempotent(t *testing.T) {
	withEnv(t, map[string]string{"CKPT_PATH_PREFIX": t.TempDir()})
	require.NoError(t, StartCheckpointer())
	t.Cleanup(TerminateCheckpointer)
	require.NoError(t, StartCheckpointer())
}

func TestCheckpointReturnsZeroWithoutStart(t *testing.T) {
	require.Equal(t, 0, Checkpoint())
}

func TestMallocProtectedReturnsZeroWithoutStart(t *testing.T) {
	require.Zero(t, MallocProtected(4096))
}

func TestMallocCheckpointFreeRoundTrip(t *testing.T) {
	withEnv(t, map[string]string{"CKPT_PATH_PREFIX": t.TempDir()})
	require.NoError(t, StartCheckpointer())
	t.Cleanup(TerminateCheckpointer)

	size := pagefault.PageSize()
	addr := MallocProtected(size)
	require.NotZero(t, addr)

	buf := pagefault.Slice(addr, size)
	buf[0] = 0x9

	require.Equal(t, 1, Checkpoint())
	WaitForCheckpoint()

	DisplayStats()
	FreeProtected(addr, size)
}

func TestAddRegionReturnsAddrEvenWhenManagerAbsent(t *testing.T) {
	require.Equal(t, uintptr(0x1000), AddRegion(0x1000, 4096))
}

func TestHandleFaultFalseWithoutStart(t *testing.T) {
	require.False(t, HandleFault(0x1000))
}

func TestIncrementalFaultThenCheckpoint(t *testing.T) {
	withEnv(t, map[string]string{
		"CKPT_PATH_PREFIX": t.TempDir(),
		"INCREMENTAL_FLAG": "true",
	})
	require.NoError(t, StartCheckpointer())
	t.Cleanup(TerminateCheckpointer)

	size := pagefault.PageSize()
	mem, addr, err := pagefault.AnonMap(size)
	require.NoError(t, err)
	defer pagefault.Unmap(mem)
	require.Equal(t, addr, AddRegion(addr, size))

	faulted, faultAddr, err := pagefault.Guard(func() { mem[0] = 1 })
	require.NoError(t, err)
	require.True(t, faulted)
	require.True(t, HandleFault(faultAddr))
	mem[0] = 1

	require.Equal(t, 1, Checkpoint())
	WaitForCheckpoint()
}
