package catalog

// RmIsRollbackRequired stands in for the recovery manager's crash-rollback
// check. This engine has no WAL/log manager, so a prior crash never leaves
// an in-doubt transaction behind to roll back, and the answer is always
// false — it exists so callers that need to gate an operation on it (e.g. a
// compaction routine that must not run mid-rollback) have a concrete,
// if trivial, collaborator to call instead of a hardcoded constant.
func RmIsRollbackRequired() bool { return false }
