// Package crawler holds the domain model shared by every harvesting
// subsystem: jobs and their configuration, scraped content, extracted
// records, the error taxonomy, and the collaborator interfaces implemented
// by stores, fetchers and AI providers.
package crawler
