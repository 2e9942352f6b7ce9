package deployment

import "mcpforge/pkg/platformerrors"

func notFoundErr(id string) error {
	return platformerrors.New(platformerrors.KindNotFound, "deployment not found").
		WithContext("deployment_id", id)
}

func unknownBackendErr(kind string) error {
	return platformerrors.New(platformerrors.KindBackendUnavailable, "no backend registered for kind").
		WithContext("backend", kind)
}
