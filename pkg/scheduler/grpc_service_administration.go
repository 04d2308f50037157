package scheduler

import (
	"context"

	"github.com/srand/buildmaster/pkg/log"
	"github.com/srand/buildmaster/pkg/protocol"
	"github.com/srand/buildmaster/pkg/utils"
	"github.com/srand/buildmaster/pkg/workers"
)

type adminService struct {
	dispatcher *Dispatcher
	pool       *workers.Pool
}

func NewAdminService(dispatcher *Dispatcher, pool *workers.Pool) *adminService {
	return &adminService{
		dispatcher: dispatcher,
		pool:       pool,
	}
}

func (s *adminService) Submit(ctx context.Context, req *protocol.SubmitRequest) (*protocol.SubmitResponse, error) {
	response, err := s.dispatcher.Submit(ctx, req)
	if err != nil {
		return nil, utils.GrpcError(err)
	}
	return response, nil
}

func (s *adminService) CancelBuild(_ context.Context, req *protocol.CancelBuildRequest) (*protocol.CancelResponse, error) {
	if err := s.dispatcher.CancelBuild(req.BuildID); err != nil {
		return nil, utils.GrpcError(err)
	}
	return &protocol.CancelResponse{Result: protocol.ResultCancelled}, nil
}

func (s *adminService) CancelRequest(ctx context.Context, req *protocol.CancelRequestRequest) (*protocol.CancelResponse, error) {
	if err := s.dispatcher.CancelRequest(ctx, req.RequestID); err != nil {
		return nil, utils.GrpcError(err)
	}
	return &protocol.CancelResponse{Result: protocol.ResultCancelled}, nil
}

func (s *adminService) PauseWorker(_ context.Context, req *protocol.WorkerRequest) (*protocol.WorkerResponse, error) {
	w, err := s.pool.Lookup(req.Name)
	if err != nil {
		return nil, utils.GrpcError(err)
	}

	if err := s.pool.Pause(w.ID()); err != nil {
		return nil, utils.GrpcError(err)
	}
	return &protocol.WorkerResponse{Worker: *w.Info()}, nil
}

func (s *adminService) ResumeWorker(_ context.Context, req *protocol.WorkerRequest) (*protocol.WorkerResponse, error) {
	w, err := s.pool.Lookup(req.Name)
	if err != nil {
		return nil, utils.GrpcError(err)
	}

	if err := s.pool.Resume(w.ID()); err != nil {
		return nil, utils.GrpcError(err)
	}
	return &protocol.WorkerResponse{Worker: *w.Info()}, nil
}

// Starts a graceful shutdown and returns without waiting for it.
func (s *adminService) ShutdownWorker(_ context.Context, req *protocol.WorkerRequest) (*protocol.WorkerResponse, error) {
	w, err := s.pool.Lookup(req.Name)
	if err != nil {
		return nil, utils.GrpcError(err)
	}

	go func() {
		if err := s.pool.GracefulShutdown(context.Background(), w.ID()); err != nil {
			log.Warnf("Graceful shutdown of worker %s failed: %v", w.Name(), err)
		}
	}()

	info := w.Info()
	if info.State != protocol.WorkerOffline {
		info.State = protocol.WorkerGracefulShutdownPending
	}
	return &protocol.WorkerResponse{Worker: *info}, nil
}

func (s *adminService) ListBuilds(_ context.Context, req *protocol.ListBuildsRequest) (*protocol.ListBuildsResponse, error) {
	return &protocol.ListBuildsResponse{Builds: s.dispatcher.ListBuilds(req.Finished)}, nil
}

func (s *adminService) ListWorkers(_ context.Context, _ *protocol.ListWorkersRequest) (*protocol.ListWorkersResponse, error) {
	response := &protocol.ListWorkersResponse{Workers: []protocol.WorkerInfo{}}
	for _, w := range s.pool.List() {
		response.Workers = append(response.Workers, *w.Info())
	}
	return response, nil
}

func (s *adminService) Reschedule(_ context.Context, _ *protocol.Empty) (*protocol.Empty, error) {
	s.dispatcher.Reschedule()
	return &protocol.Empty{}, nil
}

var _ protocol.AdministrationServer = (*adminService)(nil)
