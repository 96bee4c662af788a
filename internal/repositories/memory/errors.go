package memory

import "github.com/catalogsync/api/internal/repositories"

type repoError struct {
	op       string
	msg      string
	notFound bool
}

var _ repositories.RepositoryError = (*repoError)(nil)

func notFound(op, msg string) error {
	return &repoError{op: op, msg: msg, notFound: true}
}

func (e *repoError) Error() string       { return e.op + ": " + e.msg }
func (e *repoError) IsNotFound() bool    { return e.notFound }
func (e *repoError) IsConflict() bool    { return false }
func (e *repoError) IsUnavailable() bool { return false }
