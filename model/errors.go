package model

import "errors"

var (
	// ErrSaveFailed is returned when the adapter reports success=false for an insert or update.
	ErrSaveFailed = errors.New("tendril: adapter rejected save")

	// ErrNoAdapter is returned when a repository is configured without an adapter.
	ErrNoAdapter = errors.New("tendril: no adapter configured")

	// ErrNoWrap is returned when a repository for a type other than *Model has no Wrap function.
	ErrNoWrap = errors.New("tendril: no wrap function configured")

	// ErrUnbound is returned by Model.Save and Model.Delete on a model that was not
	// created or loaded through a repository.
	ErrUnbound = errors.New("tendril: model is not bound to a repository")

	// ErrNotRegistered is returned when a registry lookup finds no binding for a model type.
	ErrNotRegistered = errors.New("tendril: model type not registered")

	// ErrAlreadyRegistered is returned when a model type name is registered twice.
	ErrAlreadyRegistered = errors.New("tendril: model type already registered")

	// ErrUnsupportedQuery is returned by adapters that cannot run the given query form.
	ErrUnsupportedQuery = errors.New("tendril: unsupported query")
)
