package engine

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"bakeoff/internal/domain"
)

const githubHost = "github.com"

var (
	repoPathPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*/[a-z0-9._-]+$`)
	pullPathPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*/[a-z0-9._-]+/pull/([0-9]+)$`)
)

// normalizeRepo lower-cases a repository reference and strips the host
// prefix, surrounding slashes and the .git suffix of the repo segment.
func normalizeRepo(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "https://")
	s = strings.TrimPrefix(s, "http://")
	s = strings.TrimPrefix(s, "www.")
	s = strings.TrimPrefix(s, githubHost)
	parts := strings.SplitN(strings.Trim(s, "/"), "/", 3)
	if len(parts) >= 2 {
		parts[1] = strings.TrimSuffix(parts[1], ".git")
	}
	return strings.Trim(strings.Join(parts, "/"), "/")
}

func normalizeTargetRepo(s string) (string, error) {
	n := normalizeRepo(s)
	if !repoPathPattern.MatchString(n) {
		return "", invalid("target_repo must look like owner/repo")
	}
	return n, nil
}

// underRepo reports whether path is the target repo or inside it.
func underRepo(path, target string) bool {
	return path == target || strings.HasPrefix(path, target+"/")
}

func badURL(format string, args ...any) *Error {
	return newError(KindValidation, CodeInvalidURL, format, args...)
}

// validateSubmission checks a submission URL against its type and the
// task's target repository. It returns the pull request number for
// pull_request submissions.
func validateSubmission(kind domain.SubmissionType, raw, targetRepo string) (*int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || len(raw) > 2048 {
		return nil, badURL("submission_url must be 1-2048 characters")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return nil, badURL("submission_url is not an absolute URL")
	}
	if u.Scheme != "https" {
		return nil, badURL("submission_url must use https")
	}
	if u.User != nil {
		return nil, badURL("submission_url must not carry credentials")
	}
	host := strings.ToLower(u.Hostname())
	path := normalizeRepo(u.EscapedPath())

	switch kind {
	case domain.SubmissionDeployedURL:
		return nil, nil
	case domain.SubmissionZip:
		if !strings.HasSuffix(strings.ToLower(u.Path), ".zip") {
			return nil, badURL("zip submissions must link to a .zip file")
		}
		return nil, nil
	case domain.SubmissionGitHub:
		if host != githubHost && host != "www."+githubHost {
			return nil, badURL("github submissions must be hosted on %s", githubHost)
		}
		parts := strings.Split(path, "/")
		if len(parts) < 2 || !repoPathPattern.MatchString(parts[0]+"/"+parts[1]) {
			return nil, badURL("github submissions must link to https://%s/owner/repo", githubHost)
		}
		if targetRepo != "" && !underRepo(path, targetRepo) {
			return nil, badURL("submission must be under %s", targetRepo).with("target_repo", targetRepo)
		}
		return nil, nil
	case domain.SubmissionPullRequest:
		if host != githubHost && host != "www."+githubHost {
			return nil, badURL("pull_request submissions must be hosted on %s", githubHost)
		}
		m := pullPathPattern.FindStringSubmatch(path)
		if m == nil {
			return nil, badURL("pull_request submissions must link to https://%s/owner/repo/pull/<number>", githubHost)
		}
		if targetRepo != "" && !underRepo(path, targetRepo) {
			return nil, badURL("pull request must be opened against %s", targetRepo).with("target_repo", targetRepo)
		}
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 {
			return nil, badURL("pull request number is invalid")
		}
		return &n, nil
	}
	return nil, invalid("submission_type must be one of zip, github, deployed_url, pull_request")
}
