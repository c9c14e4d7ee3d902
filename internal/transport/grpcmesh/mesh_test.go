package grpcmesh

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// freeAddr picks a free TCP port by binding then immediately releasing
// it. There is a small window for another process to steal the port
// before Dial rebinds it, acceptable for this test environment.
func freeAddr(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())
	return addr
}

func dialMesh(t *testing.T, n int) ([]*Mesh, []string) {
	t.Helper()
	addrs := make([]string, n)
	for i := range addrs {
		addrs[i] = freeAddr(t)
	}
	meshes := make([]*Mesh, n)
	for r := 0; r < n; r++ {
		m, err := Dial(Config{Rank: r, Addresses: addrs})
		require.NoError(t, err)
		meshes[r] = m
	}
	t.Cleanup(func() {
		for _, m := range meshes {
			_ = m.Close()
		}
	})
	return meshes, addrs
}

func TestGRPCMeshBarrierReleasesAllRanks(t *testing.T) {
	const n = 4
	meshes, _ := dialMesh(t, n)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for r := 0; r < n; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			require.NoError(t, meshes[r].Barrier(context.Background()))
			mu.Lock()
			order = append(order, r)
			mu.Unlock()
		}(r)
	}
	wg.Wait()

	sort.Ints(order)
	require.Equal(t, n, len(order))
	for i, v := range order {
		require.Equal(t, i, v)
	}
}

func TestGRPCMeshAllGatherOrdersByRank(t *testing.T) {
	const n = 3
	meshes, _ := dialMesh(t, n)

	results := make([][][]byte, n)
	var wg sync.WaitGroup
	for r := 0; r < n; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			out, err := meshes[r].AllGather(context.Background(), []byte(fmt.Sprintf("rank-%d", r)))
			require.NoError(t, err)
			results[r] = out
		}(r)
	}
	wg.Wait()

	for r := 0; r < n; r++ {
		require.Len(t, results[r], n)
		for i := 0; i < n; i++ {
			require.Equal(t, fmt.Sprintf("rank-%d", i), string(results[r][i]))
		}
	}
}

func TestGRPCMeshAllReduceSum(t *testing.T) {
	const n = 4
	meshes, _ := dialMesh(t, n)

	sum := func(a, b []byte) []byte { return []byte{a[0] + b[0]} }

	results := make([][]byte, n)
	var wg sync.WaitGroup
	for r := 0; r < n; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			out, err := meshes[r].AllReduce(context.Background(), []byte{byte(r + 1)}, sum)
			require.NoError(t, err)
			results[r] = out
		}(r)
	}
	wg.Wait()

	for r := 0; r < n; r++ {
		require.Equal(t, byte(1+2+3+4), results[r][0])
	}
}

func TestGRPCMeshPutThenFenceIsVisible(t *testing.T) {
	const n = 3
	meshes, _ := dialMesh(t, n)

	var wg sync.WaitGroup
	for r := 0; r < n; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			ctx := context.Background()
			win, err := meshes[r].OpenWindow(ctx, make([]byte, 8))
			require.NoError(t, err)

			require.NoError(t, meshes[r].Barrier(ctx))

			peer := (r + 1) % n
			require.NoError(t, meshes[r].Put(ctx, peer, 0, []byte{byte(r)}))

			require.NoError(t, meshes[r].Fence(ctx))

			got := win.Bytes()[0]
			want := byte((r - 1 + n) % n)
			require.Equal(t, want, got)
		}(r)
	}
	wg.Wait()
}
