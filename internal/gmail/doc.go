// Package gmail reads thread metadata from the Gmail API so the CLI can
// create ClickUp tasks from a thread id, the same data the browser extension
// sends along with a createTask message.
//
// Authentication uses an installed-app OAuth client (credentials.json from
// the Google Cloud console). The token is cached under the user cache
// directory (~/.cache/inboxlink/google.token) and refreshed on use.
package gmail
