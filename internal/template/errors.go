package template

import "mcpforge/pkg/platformerrors"

// NotFoundError returns a TemplateNotFound error for the given id.
func NotFoundError(id string) error {
	return platformerrors.New(platformerrors.KindTemplateNotFound, "template not found: "+id).
		WithContext("template_id", id)
}

// InvalidError returns an InvalidTemplate error pointing at path.
func InvalidError(path, reason string) error {
	return platformerrors.New(platformerrors.KindInvalidTemplate, reason).
		WithContext("path", path)
}
