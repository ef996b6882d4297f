// Command changegen writes changes into the index manager's change log so the
// service can be exercised end to end.
//
// Usage:
//
//	changegen <command> [arguments]
//
// Commands:
//
//	append <area> <json|->  Append a document. The row is an Update when the
//	                        document already exists in the area and a Create
//	                        otherwise. "-" reads the document from stdin.
//
//	delete <area> <id>      Append a Delete row for a document id.
//
//	stress [-n count] [-interval d] <area>...
//	                        Generate random creates, updates, deletes and the
//	                        occasional faulty row across the given areas until
//	                        interrupted, or until count changes were written.
//
//	status                  Print the latest generation of every area.
//
// Environment:
//
//	INDEX_MANAGER_CHANGELOG_PATH   - Path to the change log database (default: /data/changelog.db)
//	INDEX_MANAGER_IDENTITY_FIELD   - Document identity field (default: $id)
package main
