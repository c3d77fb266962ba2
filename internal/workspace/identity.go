package workspace

import "fmt"

// Identity names one workspace: a (repository, pull request, head commit)
// tuple. Equal identities always map to the same directory; any differing
// field maps to a different one.
type Identity struct {
	Owner    string
	Repo     string
	PRNumber int
	HeadSHA  string
}

// ShortSHA returns the 7-character commit prefix used in paths and branch
// names. Shorter input is returned as-is.
func (id Identity) ShortSHA() string {
	if len(id.HeadSHA) < 7 {
		return id.HeadSHA
	}
	return id.HeadSHA[:7]
}

// ExternalID is the correlation identifier stored on the platform's check
// run, "<prNumber>:<sha7>".
func (id Identity) ExternalID() string {
	return fmt.Sprintf("%d:%s", id.PRNumber, id.ShortSHA())
}

// Branch returns the dedicated integration branch for this identity.
func (id Identity) Branch(driver string) string {
	return fmt.Sprintf("merge-helper/%s/%d-%s", driver, id.PRNumber, id.ShortSHA())
}

func (id Identity) String() string {
	return fmt.Sprintf("%s/%s#%d@%s", id.Owner, id.Repo, id.PRNumber, id.ShortSHA())
}
