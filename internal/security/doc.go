/*
Package security builds the mutual-TLS identity disktender's coordinator
uses to authenticate remote clients.

Server keys come from a KeySource: a FileKeySource reading the
node.crt/node.key/ca.crt triple from a local directory, or a
RemoteKeySource that fetches the same material from an HTTP secret-store
endpoint for hosts whose filesystem is not trusted to hold private key
material at rest.
*/
package security
