package routing

type NotInsertedError struct{}

func (e NotInsertedError) Error() string {
	return "NotInsertedError"
}

type NotMemberError struct{}

func (e NotMemberError) Error() string {
	return "NotMemberError"
}

type PreconditionError struct{}

func (e PreconditionError) Error() string {
	return "PreconditionError"
}
