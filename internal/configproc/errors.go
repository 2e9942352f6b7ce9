package configproc

import "mcpforge/pkg/platformerrors"

func invalidConfigurationErr(path, expectedType string, value interface{}) error {
	return platformerrors.New(platformerrors.KindInvalidConfiguration, "value cannot be coerced to expected type").
		WithContext("property", path).
		WithContext("expected_type", expectedType)
}

func reservedEnvVarErr(property, name string) error {
	return platformerrors.New(platformerrors.KindReservedEnvVar, "env_mapping targets a reserved environment variable name").
		WithContext("property", property).
		WithContext("env_var", name)
}

func validationErr(reason string) error {
	return platformerrors.New(platformerrors.KindInvalidConfiguration, reason)
}
