package quorum

import (
	"context"

	"go.miragespace.co/ringstore/spec/protocol"
)

func (s *Store) HandleGet(ctx context.Context, req *protocol.GetRequest) (*protocol.GetResponse, error) {
	env, _, err := s.local.GetEnvelope(ctx, req.Path)
	if err != nil {
		return nil, err
	}
	return &protocol.GetResponse{Item: env}, nil
}

func (s *Store) HandlePut(ctx context.Context, req *protocol.PutRequest) (*protocol.PutResponse, error) {
	it, err := s.registry.Decode(&req.Item)
	if err != nil {
		return nil, err
	}
	token, err := s.Propose(ctx, it)
	if err != nil {
		return nil, err
	}
	return &protocol.PutResponse{Token: token}, nil
}

func (s *Store) HandleQueryCommit(ctx context.Context, req *protocol.QueryCommitRequest) (*protocol.QueryCommitResponse, error) {
	version, found, err := s.QueryCommitStatus(ctx, req.Path)
	if err != nil {
		return nil, err
	}
	return &protocol.QueryCommitResponse{
		Found:      found,
		UpdatedUtc: version,
	}, nil
}

func (s *Store) HandleCommit(ctx context.Context, req *protocol.CommitRequest) (*protocol.CommitResponse, error) {
	if err := s.Commit(ctx, req.Token, false); err != nil {
		return nil, err
	}
	return &protocol.CommitResponse{}, nil
}

func (s *Store) HandleList(ctx context.Context, req *protocol.ListRequest) (*protocol.ListResponse, error) {
	items, more, err := s.local.List(ctx, *req)
	if err != nil {
		return nil, err
	}
	resp := &protocol.ListResponse{
		Items: make([]protocol.Envelope, 0, len(items)),
		More:  more,
	}
	for _, it := range items {
		env, err := s.registry.Encode(it)
		if err != nil {
			return nil, err
		}
		resp.Items = append(resp.Items, *env)
	}
	return resp, nil
}
