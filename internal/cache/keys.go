package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func AdmissionKey(projectID uuid.UUID, identifier string) string {
	return fmt.Sprintf("admit:%s:%s", projectID, identifier)
}

func ProjectDomainKey(domain string) string {
	return fmt.Sprintf("project:domain:%s", domain)
}

func VerifyAttemptsKey(projectID uuid.UUID, identifier string) string {
	return fmt.Sprintf("verify:%s:%s", projectID, identifier)
}

func RateLimitKey(identifier string) string {
	return fmt.Sprintf("ratelimit:%s", identifier)
}
