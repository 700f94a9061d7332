package cloud

import (
	"context"
	"net/http"
	"sync"

	"github.com/sergeknystautas/specmux/internal/errs"
)

// Status classifies a local project against the remote listing.
type Status string

const (
	StatusValid        Status = "VALID"
	StatusInvalid      Status = "INVALID"
	StatusUnauthorized Status = "UNAUTHORIZED"
)

// LocalProject is a project known on this machine, optionally linked to a
// remote record by id.
type LocalProject struct {
	Path string
	ID   string
}

// ProjectStatus is the reconciliation result for one local project. Err is
// set only for failures that are neither 404 nor 403; it is the remote
// error untranslated.
type ProjectStatus struct {
	Path   string
	ID     string
	Status Status
	Remote *RemoteProject
	Err    error
}

// ProjectGetter is the slice of the account client reconciliation needs.
type ProjectGetter interface {
	GetProject(ctx context.Context, id string) (*RemoteProject, error)
}

// ReconcileStatuses resolves the status of every local project against a
// remote listing indexed by id. Projects without an id are VALID with no
// network call; ids present in the listing merge remote fields; ids absent
// from the listing trigger individual lookups, all running concurrently
// with failures isolated per project.
func ReconcileStatuses(ctx context.Context, client ProjectGetter, locals []LocalProject, remote []RemoteProject) []ProjectStatus {
	index := make(map[string]RemoteProject, len(remote))
	for _, r := range remote {
		index[r.ID] = r
	}

	results := make([]ProjectStatus, len(locals))
	var wg sync.WaitGroup
	for i, local := range locals {
		if local.ID == "" {
			results[i] = ProjectStatus{Path: local.Path, Status: StatusValid}
			continue
		}
		if r, ok := index[local.ID]; ok {
			remoteCopy := r
			results[i] = ProjectStatus{Path: local.Path, ID: local.ID, Status: StatusValid, Remote: &remoteCopy}
			continue
		}

		wg.Add(1)
		go func(i int, local LocalProject) {
			defer wg.Done()
			results[i] = lookup(ctx, client, local)
		}(i, local)
	}
	wg.Wait()
	return results
}

func lookup(ctx context.Context, client ProjectGetter, local LocalProject) ProjectStatus {
	remote, err := client.GetProject(ctx, local.ID)
	if err != nil {
		switch errs.StatusOf(err) {
		case http.StatusNotFound:
			return ProjectStatus{Path: local.Path, ID: local.ID, Status: StatusInvalid}
		case http.StatusForbidden:
			return ProjectStatus{Path: local.Path, ID: local.ID, Status: StatusUnauthorized}
		default:
			return ProjectStatus{Path: local.Path, ID: local.ID, Err: err}
		}
	}
	return ProjectStatus{Path: local.Path, ID: local.ID, Status: StatusValid, Remote: remote}
}
