// Package sampler reads the resource figures recorded each tick: memory and
// CPU of the application server process, and the number of rows in the
// application's entity table.
//
// Every read degrades to zero instead of failing. A server that cannot be found
// yields zeroed process fields for the whole run; a database that is missing or
// locked yields a zero row count for that tick only.
package sampler
