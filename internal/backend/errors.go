package backend

import "mcpforge/pkg/platformerrors"

func deploymentErr(cause error, message string) *platformerrors.Error {
	return platformerrors.Wrap(platformerrors.KindDeploymentError, cause, message)
}

func backendUnavailableErr(cause error, message string) *platformerrors.Error {
	return platformerrors.Wrap(platformerrors.KindBackendUnavailable, cause, message)
}

func notFoundErr(deploymentID string) error {
	return platformerrors.New(platformerrors.KindNotFound, "deployment not found").
		WithContext("deployment_id", deploymentID)
}

func imagePullFailedErr(cause error, image string) *platformerrors.Error {
	return platformerrors.Wrap(platformerrors.KindImagePullFailed, cause, "failed to pull image").
		WithContext("image", image)
}
