package master

import (
	"context"
	"fmt"
	"sync"

	"github.com/prologin/stechec-cluster/internal/rpc"
	"github.com/prologin/stechec-cluster/pkg/types"
)

// workerCaller is the master-to-worker RPC surface, one cached client
// per worker endpoint. Clients carry no timeout of their own; the
// dispatcher bounds every call through its context.
type workerCaller struct {
	secret []byte

	mu      sync.Mutex
	clients map[types.WorkerID]*rpc.Client
}

func newWorkerCaller(secret []byte) *workerCaller {
	return &workerCaller{
		secret:  secret,
		clients: make(map[types.WorkerID]*rpc.Client),
	}
}

func (c *workerCaller) client(worker types.WorkerID) *rpc.Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	cl, ok := c.clients[worker]
	if !ok {
		baseURL := fmt.Sprintf("http://%s:%d", worker.Hostname, worker.Port)
		cl = rpc.NewClient(baseURL, c.secret, 0)
		c.clients[worker] = cl
	}
	return cl
}

// prune drops cached clients of workers no longer in the fleet.
func (c *workerCaller) prune(live map[types.WorkerID]bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.clients {
		if !live[id] {
			delete(c.clients, id)
		}
	}
}

func (c *workerCaller) AvailableServerPort(ctx context.Context, worker types.WorkerID) (int, error) {
	var reply types.PortReply
	if err := c.client(worker).Call(ctx, "available_server_port", struct{}{}, &reply); err != nil {
		return 0, err
	}
	return reply.Port, nil
}

func (c *workerCaller) CompileChampion(ctx context.Context, worker types.WorkerID,
	task types.CompileTask, sources []byte) error {

	args := types.CompileChampionArgs{
		ChampionID: task.ChampionID,
		User:       task.User,
		Sources:    sources,
	}
	return c.client(worker).Call(ctx, "compile_champion", args, nil)
}

func (c *workerCaller) RunServer(ctx context.Context, worker types.WorkerID,
	task types.MatchServerTask, reqPort, subPort int) error {

	args := types.RunServerArgs{
		MatchID:     task.MatchID,
		ReqPort:     reqPort,
		SubPort:     subPort,
		PlayerCount: task.PlayerCount,
		Options:     task.Options,
		FileOptions: task.FileOptions,
	}
	return c.client(worker).Call(ctx, "run_server", args, nil)
}

func (c *workerCaller) RunClient(ctx context.Context, worker types.WorkerID,
	task types.PlayerTask, archive []byte) error {

	args := types.RunClientArgs{
		MatchID:       task.MatchID,
		MatchPlayerID: task.MatchPlayerID,
		User:          task.User,
		ServerHost:    task.ServerHost,
		ReqPort:       task.ReqPort,
		SubPort:       task.SubPort,
		Champion:      archive,
		Options:       task.Options,
	}
	return c.client(worker).Call(ctx, "run_client", args, nil)
}
