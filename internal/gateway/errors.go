package gateway

import "mcpforge/pkg/platformerrors"

func templateNotFoundErr(templateID string) error {
	return platformerrors.New(platformerrors.KindTemplateNotFound, "template not registered with gateway").
		WithContext("template_id", templateID)
}

func instanceNotFoundErr(templateID, instanceID string) error {
	return platformerrors.New(platformerrors.KindNotFound, "instance not found").
		WithContext("template_id", templateID).
		WithContext("instance_id", instanceID)
}

func noHealthyInstancesErr(templateID string) error {
	return platformerrors.New(platformerrors.KindNoHealthyInstances, "no healthy instances").
		WithContext("template_id", templateID)
}

func queueFullErr(instanceID string) error {
	return platformerrors.New(platformerrors.KindQueueFull, "stdio pool queue is full").
		WithContext("instance_id", instanceID)
}

func authFailedErr(reason string) error {
	return platformerrors.New(platformerrors.KindAuthFailed, reason)
}
