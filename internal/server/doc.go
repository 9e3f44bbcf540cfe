// Package server exposes the policy engine over HTTP: the deployment,
// rollback, build and upload mutation endpoints, the read surface for
// records, the admin kill switch, and the signed engine callback. All
// policy decisions are delegated to the policy package; this layer only
// decodes requests, threads identity and request ids, and renders the
// uniform error envelope.
package server
