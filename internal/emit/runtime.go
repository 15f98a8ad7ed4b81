package emit

import (
	"strconv"
	"strings"
)

// RuntimeVersion changes whenever the generated wrapper or prelude changes.
// It is mixed into chunk hashes.
const RuntimeVersion = "bundlr-runtime@1"

// Every chunk registers itself by pushing [name, install] onto
// self.__bundlrChunks. The prelude drains the queue and then applies pushes
// immediately, so chunks may load before or after the entry chunk.
const runtimeTemplate = `(function (global) {
  if (global.__bundlr) return;
  var publicPath = %PUBLIC_PATH%;
  var definitions = {};
  var cache = {};
  var accepted = {};
  var loaded = {};
  var manifest = null;

  function execute(id) {
    if (cache[id]) return cache[id].exports;
    var def = definitions[id];
    if (!def) throw new Error("bundlr: module " + id + " is not loaded");
    var module = {
      id: id,
      exports: {},
      hot: {
        accept: function (cb) { accepted[id] = cb || true; }
      }
    };
    cache[id] = module;
    def.factory.call(module.exports, module, module.exports, function (spec) {
      if (!Object.prototype.hasOwnProperty.call(def.deps, spec)) {
        throw new Error("bundlr: " + id + " has no dependency " + spec);
      }
      var target = def.deps[spec];
      return target === null ? {} : execute(target);
    });
    return module.exports;
  }

  // notify runs the accept hooks of modules importing id.
  function notify(id) {
    for (var other in definitions) {
      var deps = definitions[other].deps;
      for (var spec in deps) {
        if (deps[spec] === id && typeof accepted[other] === "function") accepted[other](id);
      }
    }
  }

  function fetchManifest() {
    if (!manifest) {
      manifest = fetch(publicPath + "manifest.json", { cache: "no-store" }).then(function (res) {
        if (!res.ok) throw new Error("bundlr: manifest request failed with " + res.status);
        return res.json();
      });
    }
    return manifest;
  }

  function inject(tag, attrs) {
    return new Promise(function (resolve, reject) {
      var el = document.createElement(tag);
      for (var key in attrs) el.setAttribute(key, attrs[key]);
      el.onload = function () { resolve(); };
      el.onerror = function () { reject(new Error("bundlr: failed to load " + (attrs.src || attrs.href))); };
      (tag === "link" ? document.head : document.body).appendChild(el);
    });
  }

  function loadChunk(name, files) {
    var steps = [];
    if (files.css) {
      steps.push(inject("link", { rel: "stylesheet", href: publicPath + files.css, "data-bundlr-chunk": name }));
    }
    if (files.js) {
      steps.push(inject("script", { src: publicPath + files.js, "data-bundlr-chunk": name }));
    }
    return Promise.all(steps);
  }

  var api = {
    define: function (id, deps, factory) {
      var prev = definitions[id];
      definitions[id] = { deps: deps, factory: factory };
      if (cache[id] && prev && String(prev.factory) !== String(factory)) {
        var cb = accepted[id];
        delete cache[id];
        delete accepted[id];
        execute(id);
        if (typeof cb === "function") cb();
        notify(id);
      }
    },
    load: function (chunk, id) {
      return fetchManifest().then(function (m) {
        var entry = m.chunks[chunk];
        var order = (entry && entry.load) || [chunk];
        return order.reduce(function (p, name) {
          return p.then(function () {
            if (loaded[name] || !m.chunks[name]) return loaded[name];
            loaded[name] = loadChunk(name, m.chunks[name]);
            return loaded[name];
          });
        }, Promise.resolve());
      }).then(function () { return execute(id); });
    },
    start: function (id) { return execute(id); },
    refresh: function () { manifest = null; return fetchManifest(); },
    reload: function (name) {
      return api.refresh().then(function (m) {
        if (!m.chunks[name]) return;
        loaded[name] = loadChunk(name, m.chunks[name]);
        return loaded[name];
      });
    }
  };
  global.__bundlr = api;

  function install(item) {
    loaded[item[0]] = loaded[item[0]] || Promise.resolve();
    item[1](api);
  }
  var queue = global.__bundlrChunks = global.__bundlrChunks || [];
  queue.forEach(install);
  queue.push = install;
})(self);
`

// Runtime returns the prelude included at the top of every entry chunk.
func Runtime(publicPath string) string {
	return strings.Replace(runtimeTemplate, "%PUBLIC_PATH%", strconv.Quote(publicPath), 1)
}
